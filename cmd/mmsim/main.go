// Command mmsim boots the memory manager on a simulated machine described by
// a YAML memory map and reports on it.
package main

import (
	"fmt"
	"os"

	"kmem/kernel/kfmt"
)

func main() {
	err := newRootCmd().Execute()
	kfmt.FlushLogs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
