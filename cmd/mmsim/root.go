package main

import (
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"kmem/kernel/driver/tty"
	"kmem/kernel/hal/multiboot"
	"kmem/kernel/kfmt"
	"kmem/kernel/kmain"
	"kmem/kernel/mm/manager"
	"kmem/kernel/mm/mmstats"
)

// defaultConfig describes a PC with 8M of RAM and the usual holes below
// 1M.
const defaultConfig = `
arch: amd64
memoryMap:
  - address: 0x0
    length: 0x9fc00
    type: available
  - address: 0x9fc00
    length: 0x400
    type: reserved
  - address: 0xf0000
    length: 0x10000
    type: reserved
  - address: 0x100000
    length: 0x700000
    type: available
kernelImage:
  textStart: 0x100000
  textEnd: 0x180000
  dataStart: 0x180000
  dataEnd: 0x1a0000
`

type options struct {
	configPath string
	arch       string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "mmsim",
		Short:         "Boot the kernel memory manager on a simulated machine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return kfmt.ConfigureLogging(kfmt.LogOptions{
				Output:      cmd.ErrOrStderr(),
				Debug:       opts.debug,
				SkipHeaders: !opts.debug,
			})
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML memory map; a built-in 8M machine is used if empty")
	flags.StringVar(&opts.arch, "arch", "", "override the page table format (i386 or amd64)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newBootCmd(opts), newStatsCmd(opts), newScenarioCmd(opts))
	return cmd
}

func (o *options) loadConfig() (manager.Config, error) {
	var (
		cfg manager.Config
		err error
	)
	if o.configPath == "" {
		cfg, err = manager.ParseConfig([]byte(defaultConfig))
	} else {
		cfg, err = manager.LoadConfig(o.configPath)
	}
	if err != nil {
		return cfg, err
	}

	if o.arch != "" {
		cfg.Arch = o.arch
		err = cfg.Validate()
	}
	return cfg, err
}

// boot hands the configured machine to the kernel entry point the way a
// bootloader would: as a multiboot information block.
func (o *options) boot(out io.Writer) (*manager.Manager, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	info := multiboot.BuildInfo("arch="+cfg.Arch, cfg.Entries())
	return kmain.Kmain(tty.NewVt(out, 80, 25), info, cfg.KernelImage)
}

func newBootCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot and print the memory map and the kernel layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			defer kfmt.SetOutputSink(nil)

			m, err := opts.boot(out)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			kfmt.Fprintf(out, "\npage table format: %s\n", m.Arch())
			for _, r := range m.KernelRegions() {
				kfmt.Fprintf(out, "%-18s [0x%016x - 0x%016x) %s\n", r.Object().Name(), r.Start(), r.End(), r.Prot())
			}
			kfmt.Fprintf(out, "kernel space       [0x%016x - 0x%016x)\n", m.KernelSpace().Range().Start, m.KernelSpace().Range().End())
			kfmt.Fprintf(out, "kernel heap        [0x%016x - 0x%016x)\n", m.HeapSpace().Range().Start, m.HeapSpace().Range().End())
			kfmt.Fprintf(out, "user space         [0x%016x - 0x%016x)\n", m.UserRange().Start, m.UserRange().End())
			return nil
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	var prom bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Boot and print memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			defer kfmt.SetOutputSink(nil)

			m, err := opts.boot(io.Discard)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			if !prom {
				m.WriteMeminfo(out)
				return nil
			}
			return writeMetrics(out, mmstats.NewCollector(m, nil))
		},
	}

	cmd.Flags().BoolVar(&prom, "prometheus", false, "print metrics in the Prometheus text format")
	return cmd
}

func writeMetrics(w io.Writer, c prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return err
	}

	families, err := reg.Gather()
	if err != nil {
		return err
	}

	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
