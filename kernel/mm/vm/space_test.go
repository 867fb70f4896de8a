package vm

import (
	"math/rand"
	"testing"

	"kmem/kernel"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const P = mm.PageSize

func TestSpaceMapObject(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 2, true)
	defer obj.Release()

	r, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)
	require.Equal(t, testUserBase, r.Start())
	require.Equal(t, 2*P, r.Size())
	require.Equal(t, s, r.Space())
	require.Equal(t, int64(2), obj.StrongCount())

	for i := uintptr(0); i < 2; i++ {
		m, err := s.Directory().Lookup(r.Start() + i*P)
		require.NoError(t, err)
		require.Equal(t, obj.Get().Page(i), m.Frame)
		require.True(t, m.Prot.Has(mm.ProtWrite))
		require.True(t, m.User)
	}

	exp := []RangeInfo{
		{Start: testUserBase, Size: 2 * P, Used: true, HasRegion: true},
		{Start: testUserBase + 2*P, Size: (testUserPages - 2) * P},
	}
	if diff := cmp.Diff(exp, s.Ranges()); diff != "" {
		t.Fatalf("unexpected range list (-want +got):\n%s", diff)
	}
	require.Equal(t, 2*P, s.Used())

	require.NoError(t, s.UnmapRegion(r))
	require.Equal(t, int64(1), obj.StrongCount())
	require.False(t, s.Directory().IsMapped(testUserBase, false))
	require.Equal(t, []RangeInfo{{Start: testUserBase, Size: testUserPages * P}}, s.Ranges())
	require.Zero(t, s.Used())

	require.Equal(t, errForeignRegion, s.UnmapRegion(r))
}

func TestSpaceMapObjectOffset(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 4, true)
	defer obj.Release()

	r, err := s.MapObject(obj, mm.ProtR, mm.VirtualRange{Size: 2 * P}, 2*P)
	require.NoError(t, err)
	require.Equal(t, 2*P, r.ObjectOffset())

	m, err := s.Directory().Lookup(r.Start())
	require.NoError(t, err)
	require.Equal(t, obj.Get().Page(2), m.Frame)
	require.False(t, m.Prot.Has(mm.ProtWrite))

	// A zero size maps the rest of the object.
	r, err = s.MapObject(obj, mm.ProtR, mm.VirtualRange{}, P)
	require.NoError(t, err)
	require.Equal(t, 3*P, r.Size())
}

func TestSpaceAllocAtAndCoalesce(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 2, false)
	defer obj.Release()

	a, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{Start: testUserBase + 4*P, Size: 2 * P}, 0)
	require.NoError(t, err)
	b, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{Start: testUserBase + 8*P, Size: 2 * P}, 0)
	require.NoError(t, err)

	exp := []RangeInfo{
		{Start: testUserBase, Size: 4 * P},
		{Start: testUserBase + 4*P, Size: 2 * P, Used: true, HasRegion: true},
		{Start: testUserBase + 6*P, Size: 2 * P},
		{Start: testUserBase + 8*P, Size: 2 * P, Used: true, HasRegion: true},
		{Start: testUserBase + 10*P, Size: (testUserPages - 10) * P},
	}
	if diff := cmp.Diff(exp, s.Ranges()); diff != "" {
		t.Fatalf("unexpected range list (-want +got):\n%s", diff)
	}

	require.NoError(t, s.Unmap(a.Start()+P+5))
	exp = []RangeInfo{
		{Start: testUserBase, Size: 8 * P},
		{Start: testUserBase + 8*P, Size: 2 * P, Used: true, HasRegion: true},
		{Start: testUserBase + 10*P, Size: (testUserPages - 10) * P},
	}
	if diff := cmp.Diff(exp, s.Ranges()); diff != "" {
		t.Fatalf("unexpected range list after unmapping the first region (-want +got):\n%s", diff)
	}

	require.NoError(t, s.UnmapRegion(b))
	require.Equal(t, []RangeInfo{{Start: testUserBase, Size: testUserPages * P}}, s.Ranges())

	require.Equal(t, errNoSuchMapping, s.Unmap(testUserBase))
}

func TestSpaceMapObjectErrors(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 2, false)
	defer obj.Release()
	huge := env.newAnonymous(t, testUserPages+1, false)
	defer huge.Release()

	_, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{Start: testUserBase + 10*P, Size: 2 * P}, 0)
	require.NoError(t, err)

	specs := []struct {
		descr  string
		obj    *Object
		rng    mm.VirtualRange
		offset uintptr
		expErr error
	}{
		{"misaligned start", obj.Get(), mm.VirtualRange{Start: testUserBase + 1, Size: P}, 0, errMisaligned},
		{"misaligned size", obj.Get(), mm.VirtualRange{Size: P + 1}, 0, errMisaligned},
		{"misaligned offset", obj.Get(), mm.VirtualRange{}, 7, errMisaligned},
		{"offset past object", obj.Get(), mm.VirtualRange{}, 2 * P, errRangeOutsideObject},
		{"size past object", obj.Get(), mm.VirtualRange{Size: 2 * P}, P, errRangeOutsideObject},
		{"outside of space", obj.Get(), mm.VirtualRange{Start: P, Size: P}, 0, errRangeOutsideSpace},
		{"overlapping", obj.Get(), mm.VirtualRange{Start: testUserBase + 9*P, Size: 2 * P}, 0, errRangeInUse},
		{"no room", huge.Get(), mm.VirtualRange{}, 0, errOutOfVirtualMemory},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			ref := obj
			if spec.obj == huge.Get() {
				ref = huge
			}
			if _, err := s.MapObject(ref, mm.ProtRW, spec.rng, spec.offset); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}

	require.Equal(t, kernel.KindOutOfMemory, kernel.KindOf(errOutOfVirtualMemory))
	require.Equal(t, 2*P, s.Used())
}

func TestSpaceMapObjectWithSentinel(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 2, false)
	defer obj.Release()

	r, err := s.MapObjectWithSentinel(obj, mm.ProtRW)
	require.NoError(t, err)
	require.True(t, r.Guarded())
	require.Equal(t, testUserBase+P, r.Start())

	exp := []RangeInfo{
		{Start: testUserBase, Size: 4 * P, Used: true, HasRegion: true},
		{Start: testUserBase + 4*P, Size: (testUserPages - 4) * P},
	}
	if diff := cmp.Diff(exp, s.Ranges()); diff != "" {
		t.Fatalf("unexpected range list (-want +got):\n%s", diff)
	}

	for _, addr := range []uintptr{testUserBase, testUserBase + 3*P} {
		if err := s.TryPageFault(addr, mm.AccessRead); err != errNoSuchMapping {
			t.Errorf("expected fault on guard page 0x%x to fail with %v; got %v", addr, errNoSuchMapping, err)
		}
	}
	require.NoError(t, s.TryPageFault(r.Start(), mm.AccessWrite))

	require.NoError(t, s.UnmapRegion(r))
	require.Equal(t, []RangeInfo{{Start: testUserBase, Size: testUserPages * P}}, s.Ranges())
}

func TestSpaceMapStack(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 2, false)
	defer obj.Release()

	low, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)

	stack, err := s.MapStack(obj, mm.ProtRW)
	require.NoError(t, err)
	require.Equal(t, testUserBase+(testUserPages-2)*P, stack.Start())
	require.Equal(t, testUserBase, low.Start())

	next, err := s.MapStack(obj, mm.ProtRW)
	require.NoError(t, err)
	require.Equal(t, stack.Start()-2*P, next.Start())
}

func TestSpaceReserveRegion(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	rng := mm.VirtualRange{Start: testUserBase + P, Size: P}
	require.NoError(t, s.ReserveRegion(rng))
	require.Equal(t, errRangeInUse, s.ReserveRegion(rng))
	require.Equal(t, errMisaligned, s.ReserveRegion(mm.VirtualRange{Start: testUserBase + 3, Size: P}))
	require.Equal(t, errEmptyRange, s.ReserveRegion(mm.VirtualRange{Start: testUserBase}))

	require.Nil(t, s.RegionContaining(rng.Start))
	require.Equal(t, errNoSuchMapping, s.TryPageFault(rng.Start, mm.AccessRead))
	require.Equal(t, errNoSuchMapping, s.Unmap(rng.Start))

	obj := env.newAnonymous(t, 1, false)
	defer obj.Release()
	_, err := s.MapObject(obj, mm.ProtRW, rng, 0)
	require.Equal(t, errRangeInUse, err)
}

func TestSpaceSetProt(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	obj := env.newAnonymous(t, 1, true)
	defer obj.Release()

	r, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetProt(r, mm.ProtR))
	require.Equal(t, mm.ProtR, r.Prot())

	m, err := s.Directory().Lookup(r.Start())
	require.NoError(t, err)
	require.False(t, m.Prot.Has(mm.ProtWrite))
	require.Equal(t, obj.Get().Page(0), m.Frame)

	require.Equal(t, errAccessViolation, s.TryPageFault(r.Start(), mm.AccessWrite))

	require.NoError(t, s.SetProt(r, mm.ProtNone))
	require.False(t, s.Directory().IsMapped(r.Start(), false))

	other := env.newUserSpace(t)
	require.Equal(t, errForeignRegion, other.SetProt(r, mm.ProtRW))
}

func TestSpaceQueries(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)

	committed := env.newAnonymous(t, 2, true)
	defer committed.Release()
	lazy := env.newAnonymous(t, 3, false)
	defer lazy.Release()
	shared := env.newAnonymous(t, 1, true)
	defer shared.Release()
	_, err := shared.Get().Share(1, mm.ProtRW)
	require.NoError(t, err)

	r1, err := s.MapObject(committed, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)
	r2, err := s.MapObject(lazy, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)
	r3, err := s.MapObject(shared, mm.ProtRW, mm.VirtualRange{}, 0)
	require.NoError(t, err)

	require.Equal(t, r1, s.RegionAt(testUserBase))
	require.Nil(t, s.RegionAt(testUserBase+P))
	require.Equal(t, r1, s.RegionContaining(testUserBase+P+12))
	require.Equal(t, r2, s.RegionContaining(testUserBase+4*P))
	require.Nil(t, s.RegionContaining(testUserBase+6*P))
	require.Equal(t, r3, s.FindRegionForObject(shared.Get()))

	addr, err := s.FindFreeSpace(P + 1)
	require.NoError(t, err)
	require.Equal(t, testUserBase+6*P, addr)
	_, err = s.FindFreeSpace(testUserPages * P)
	require.Equal(t, errOutOfVirtualMemory, err)

	var visited []uintptr
	s.IterateRegions(func(r *Region) bool {
		visited = append(visited, r.Start())
		return len(visited) < 2
	})
	require.Equal(t, []uintptr{testUserBase, testUserBase + 2*P}, visited)

	require.Equal(t, 2*P, s.RegularAnonymousTotal())
	require.NoError(t, s.TryPageFault(r2.Start(), mm.AccessRead))
	require.Equal(t, 3*P, s.RegularAnonymousTotal())
}

func TestSpaceDestroy(t *testing.T) {
	t.Run("user space", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.newUserSpace(t)

		var frames []mm.Frame
		for i := 0; i < 2; i++ {
			obj := env.newAnonymous(t, 2, true)
			_, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
			require.NoError(t, err)
			frames = append(frames, obj.Get().Page(0), obj.Get().Page(1))
			obj.Release()
		}

		require.NoError(t, s.Destroy())
		for _, frame := range frames {
			require.True(t, env.alloc.Table().Frame(frame).IsFree(), "expected frame %d to be released", frame)
		}
		require.Equal(t, []RangeInfo{{Start: testUserBase, Size: testUserPages * P}}, s.Ranges())
	})

	t.Run("kernel space", func(t *testing.T) {
		defer func(orig func(interface{})) {
			panicFn = orig
		}(panicFn)

		var panicErr interface{}
		panicFn = func(e interface{}) {
			panicErr = e
		}

		env := newTestEnv(t)
		s, err := NewKernelSpace(env.ctx, "kernel", mm.VirtualRange{Start: vmm.HigherHalf64, Size: 16 * P}, env.kernelDir)
		require.NoError(t, err)
		require.True(t, s.IsKernel())

		require.Equal(t, errDestroyKernelSpace, s.Destroy())
		require.Equal(t, errDestroyKernelSpace, panicErr)
		require.Equal(t, kernel.KindInvalidArgument, kernel.KindOf(s.Destroy()))
	})
}

func TestNewSpaceErrors(t *testing.T) {
	env := newTestEnv(t)
	dir := env.userDirectory(t)

	_, err := NewSpace(env.ctx, "bad", mm.VirtualRange{Start: 1, Size: P}, dir)
	require.Equal(t, errMisaligned, err)
	_, err = NewSpace(env.ctx, "bad", mm.VirtualRange{Start: P}, dir)
	require.Equal(t, errEmptyRange, err)
}

// checkPartition verifies that the range list covers the space without
// gaps or overlaps and that no two free ranges are adjacent.
func checkPartition(t *testing.T, s *Space) {
	t.Helper()

	ranges := s.Ranges()
	next := s.Range().Start
	var used uintptr
	for i, r := range ranges {
		if r.Start != next {
			t.Fatalf("range %d starts at 0x%x; expected 0x%x", i, r.Start, next)
		}
		if r.Size == 0 || !mm.IsPageAligned(r.Size) {
			t.Fatalf("range %d has invalid size 0x%x", i, r.Size)
		}
		if i > 0 && !r.Used && !ranges[i-1].Used {
			t.Fatalf("ranges %d and %d are both free", i-1, i)
		}
		if r.Used {
			used += r.Size
		}
		next = r.Start + r.Size
	}

	if next != s.Range().End() {
		t.Fatalf("range list ends at 0x%x; expected 0x%x", next, s.Range().End())
	}
	if used != s.Used() {
		t.Fatalf("expected used bytes %d; got %d", used, s.Used())
	}
}

func TestSpacePartitionProperty(t *testing.T) {
	env := newTestEnv(t)
	s := env.newUserSpace(t)
	rnd := rand.New(rand.NewSource(42))

	obj := env.newAnonymous(t, 4, false)
	defer obj.Release()

	var regions []*Region
	for iter := 0; iter < 500; iter++ {
		switch op := rnd.Intn(3); {
		case op == 0:
			size := uintptr(rnd.Intn(4)+1) * P
			if r, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{Size: size}, 0); err == nil {
				regions = append(regions, r)
			}
		case op == 1:
			start := testUserBase + uintptr(rnd.Intn(testUserPages))*P
			size := uintptr(rnd.Intn(4)+1) * P
			if r, err := s.MapObject(obj, mm.ProtRW, mm.VirtualRange{Start: start, Size: size}, 0); err == nil {
				regions = append(regions, r)
			}
		case len(regions) > 0:
			i := rnd.Intn(len(regions))
			require.NoError(t, s.UnmapRegion(regions[i]))
			regions = append(regions[:i], regions[i+1:]...)
		}

		checkPartition(t, s)
	}

	for _, r := range regions {
		require.NoError(t, s.UnmapRegion(r))
	}
	checkPartition(t, s)
	require.Equal(t, int64(1), obj.StrongCount())
}
