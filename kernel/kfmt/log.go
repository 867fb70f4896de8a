package kfmt

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// debugLevel is the klog verbosity at which Debugf output is emitted.
const debugLevel = klog.Level(2)

// Logger is a leveled logger bound to a kernel module. Every line is
// prefixed with the module name in the same way Panic reports errors.
type Logger interface {
	// Debugf logs a message when debug output is enabled.
	Debugf(format string, args ...interface{})
	// Infof logs an informational message.
	Infof(format string, args ...interface{})
	// Warnf logs a warning.
	Warnf(format string, args ...interface{})
	// Errorf logs an error.
	Errorf(format string, args ...interface{})
	// DebugEnabled returns true if debug output is enabled.
	DebugEnabled() bool
}

type logger struct {
	prefix string
}

// NewLogger returns a Logger for the given module.
func NewLogger(module string) Logger {
	return &logger{prefix: "[" + module + "] "}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	if !klog.V(debugLevel).Enabled() {
		return
	}
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Infof(format string, args ...interface{}) {
	klog.InfoDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Warnf(format string, args ...interface{}) {
	klog.WarningDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) DebugEnabled() bool {
	return bool(klog.V(debugLevel).Enabled())
}

var (
	klogOnce  sync.Once
	klogFlags *flag.FlagSet
)

// klogFlagSet registers the klog flags in a private flag set so that the
// kernel can reconfigure logging without touching the global flag set.
func klogFlagSet() *flag.FlagSet {
	klogOnce.Do(func() {
		klogFlags = flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(klogFlags)
	})
	return klogFlags
}

// LogOptions controls where Logger output goes.
type LogOptions struct {
	// Output receives all log lines. If nil, logs go to stderr.
	Output io.Writer

	// Debug enables Debugf output.
	Debug bool

	// SkipHeaders omits the klog severity/timestamp/caller header.
	SkipHeaders bool
}

// ConfigureLogging applies opts to the logging backend.
func ConfigureLogging(opts LogOptions) error {
	fs := klogFlagSet()

	settings := map[string]string{
		"logtostderr":     strconv.FormatBool(opts.Output == nil),
		"alsologtostderr": "false",
		"skip_headers":    strconv.FormatBool(opts.SkipHeaders),
		"v":               "0",
	}
	if opts.Debug {
		settings["v"] = strconv.Itoa(int(debugLevel))
	}

	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "failed to set klog flag %q to %q", name, value)
		}
	}

	if opts.Output != nil {
		klog.SetOutput(opts.Output)
	}

	return nil
}

// FlushLogs flushes any buffered log output.
func FlushLogs() {
	klog.Flush()
}
