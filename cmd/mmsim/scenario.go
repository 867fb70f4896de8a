package main

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"kmem/kernel/kfmt"
	"kmem/kernel/mm"
	"kmem/kernel/mm/manager"
	"kmem/kernel/mm/procmem"
	"kmem/kernel/mm/vm"
	"kmem/kernel/mm/vmm"
)

type scenarioFn func(m *manager.Manager, w io.Writer) error

var scenarios = map[string]scenarioFn{
	"fork-share": forkShareScenario,
	"fork-cow":   forkCoWScenario,
	"shm":        shmScenario,
	"lazy":       lazyScenario,
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newScenarioCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "scenario [name...]",
		Short:     "Run memory manager scenarios; all of them if no name is given",
		ValidArgs: scenarioNames(),
		Args:      cobra.OnlyValidArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = scenarioNames()
			}

			out := cmd.OutOrStdout()
			defer kfmt.SetOutputSink(nil)

			for _, name := range args {
				// Every scenario runs on a freshly booted machine.
				m, err := opts.boot(io.Discard)
				if err != nil {
					return err
				}

				err = scenarios[name](m, out)
				_ = m.Shutdown()
				if err != nil {
					return errors.Wrapf(err, "scenario %s", name)
				}
			}
			return nil
		},
	}
}

// switcher resolves the current address space for the simulated MMU.
type switcher struct {
	current *vm.Space
}

func newSwitcher(m *manager.Manager) *switcher {
	s := &switcher{}
	m.SetCurrentSpaceResolver(func() *vm.Space { return s.current })
	return s
}

func forkSpace(m *manager.Manager, s *vm.Space) (*vm.Space, error) {
	dir, err := vmm.NewUserDirectory(m.KernelDirectory())
	if err != nil {
		return nil, err
	}
	return s.Fork(dir)
}

func mapOnePage(m *manager.Manager, s *vm.Space, name string, action mm.ForkAction) (*vm.Region, error) {
	obj, err := vm.NewAnonymous(m.Context(), mm.PageSize, name, true)
	if err != nil {
		return nil, err
	}
	defer obj.Release()

	obj.Get().SetForkAction(action)
	return s.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
}

func forkShareScenario(m *manager.Manager, w io.Writer) error {
	parent, err := m.NewUserSpace("parent")
	if err != nil {
		return err
	}
	defer parent.Destroy()

	r, err := mapOnePage(m, parent, "shared", mm.ForkShare)
	if err != nil {
		return err
	}

	frame := r.Object().Page(0)
	before := m.Allocator().RefCount(frame)

	child, err := forkSpace(m, parent)
	if err != nil {
		return err
	}
	defer child.Destroy()

	cr := child.RegionAt(r.Start())
	kfmt.Fprintf(w, "fork-share: same object %t, page 0x%x refcount %d -> %d\n",
		cr != nil && cr.Object() == r.Object(), frame, before, m.Allocator().RefCount(frame))
	return nil
}

func forkCoWScenario(m *manager.Manager, w io.Writer) error {
	sw := newSwitcher(m)
	defer m.SetCurrentSpaceResolver(nil)

	parent, err := m.NewUserSpace("parent")
	if err != nil {
		return err
	}
	defer parent.Destroy()

	r, err := mapOnePage(m, parent, "private", mm.ForkBecomeCoW)
	if err != nil {
		return err
	}

	sw.current = parent
	if err = m.Write(r.Start(), []byte("parent"), true); err != nil {
		return err
	}

	child, err := forkSpace(m, parent)
	if err != nil {
		return err
	}
	defer child.Destroy()

	shared := r.Object().Page(0)
	afterFork := m.Allocator().RefCount(shared)

	sw.current = child
	if err = m.Write(r.Start(), []byte("child"), true); err != nil {
		return err
	}

	parentFrame := r.Object().Page(0)
	childFrame := child.RegionAt(r.Start()).Object().Page(0)

	buf := make([]byte, 6)
	sw.current = parent
	if err = m.Read(r.Start(), buf, true); err != nil {
		return err
	}

	kfmt.Fprintf(w, "fork-cow: refcount after fork %d; after child write parent page 0x%x refcount %d, child page 0x%x refcount %d; parent reads %q\n",
		afterFork, parentFrame, m.Allocator().RefCount(parentFrame), childFrame, m.Allocator().RefCount(childFrame), buf)
	return nil
}

func shmScenario(m *manager.Manager, w io.Writer) error {
	sw := newSwitcher(m)
	defer m.SetCurrentSpaceResolver(nil)

	pids := map[int]bool{}
	spawn := func(pid int) (*procmem.Context, error) {
		s, err := m.NewUserSpace("proc")
		if err != nil {
			return nil, err
		}
		pids[pid] = true
		return procmem.New(pid, s, func(pid int) bool { return pids[pid] }), nil
	}

	writer, err := spawn(1)
	if err != nil {
		return err
	}
	defer writer.Destroy()

	reader, err := spawn(2)
	if err != nil {
		return err
	}
	defer reader.Destroy()

	shm, err := writer.ShmCreate(0, mm.PageSize, "ipc")
	if err != nil {
		return err
	}

	sw.current = writer.Space()
	if err = m.Write(shm.Addr, []byte("hello"), true); err != nil {
		return err
	}

	if err = writer.ShmAllow(shm.ID, reader.PID(), procmem.ShmRead); err != nil {
		return err
	}
	att, err := reader.ShmAttach(shm.ID, 0)
	if err != nil {
		return err
	}

	buf := make([]byte, 5)
	sw.current = reader.Space()
	if err = m.Read(att.Addr, buf, true); err != nil {
		return err
	}
	denied := m.Write(att.Addr, []byte("x"), true) != nil

	kfmt.Fprintf(w, "shm: id %d, reader sees %q, reader write denied %t, shared objects %d\n",
		shm.ID, buf, denied, m.Stats().SharedObjects)
	return nil
}

func lazyScenario(m *manager.Manager, w io.Writer) error {
	r, err := m.AllocKernelRegion(16*mm.PageSize, "lazy")
	if err != nil {
		return err
	}
	defer m.FreeKernelRegion(r)

	before := r.Object().ResidentPages()
	for _, page := range []uintptr{0, 5, 15} {
		if err = m.Write(r.Start()+page*mm.PageSize, []byte{1}, false); err != nil {
			return err
		}
	}

	kfmt.Fprintf(w, "lazy: resident pages %d -> %d of %d\n", before, r.Object().ResidentPages(), r.Object().PageCount())
	return nil
}
