package vm

import (
	"kmem/kernel/kstd/arc"
	"kmem/kernel/mm"
	"kmem/kernel/mm/vmm"
)

// Fork duplicates the space onto dir. The child receives a copy of the
// range list; each region is then handled according to its object's fork
// action:
//   - ForkShare maps the same object into the child.
//   - ForkBecomeCoW maps a clone of the object into the child and
//     write-protects the parent's resident pages.
//   - ForkIgnore leaves the range free in the child.
//
// Objects mapped by several regions are cloned once.
func (s *Space) Fork(dir vmm.PageDirectory) (*Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &Space{
		ctx:  s.ctx,
		name: s.name,
		rng:  s.rng,
		dir:  dir,
	}

	clones := make(map[*Object]arc.Arc[*Object])
	defer func() {
		for _, clone := range clones {
			clone.Release()
		}
	}()

	var tail *rangeDesc
	for d := s.head; d != nil; d = d.next {
		nd := &rangeDesc{start: d.start, size: d.size, used: d.used, prev: tail}
		if tail == nil {
			child.head = nd
		} else {
			tail.next = nd
		}
		tail = nd

		if !d.used {
			continue
		}
		child.used += d.size

		if d.region == nil {
			continue
		}

		obj, keep, err := s.forkObject(d.region, clones)
		if err != nil {
			child.teardown()
			return nil, err
		}
		if !keep {
			// Dropped from the child; coalesced below.
			nd.used = false
			child.used -= d.size
			continue
		}

		r := d.region
		nr := &Region{
			space:        child,
			object:       obj,
			rng:          r.rng,
			objectOffset: r.objectOffset,
			prot:         r.prot,
			guarded:      r.guarded,
		}
		nd.region = nr
		nr.link()

		if err = nr.mapResident(); err != nil {
			child.teardown()
			return nil, err
		}
	}

	child.coalesce()
	return child, nil
}

// forkObject returns the object a child region should map for r and false
// if the region must be dropped from the child.
func (s *Space) forkObject(r *Region, clones map[*Object]arc.Arc[*Object]) (arc.Arc[*Object], bool, error) {
	obj := r.object.Get()

	switch obj.ForkAction() {
	case mm.ForkShare:
		return r.object.Clone(), true, nil
	case mm.ForkIgnore:
		return arc.Arc[*Object]{}, false, nil
	}

	clone, ok := clones[obj]
	if !ok {
		var err error
		if clone, err = obj.Clone(); err != nil {
			return clone, false, err
		}
		clones[obj] = clone
	}

	// The parent's writable pages are now shared and must fault on the
	// next write.
	if err := r.mapResident(); err != nil {
		return arc.Arc[*Object]{}, false, err
	}
	return clone.Clone(), true, nil
}

// coalesce merges adjacent free ranges.
func (s *Space) coalesce() {
	for d := s.head; d != nil && d.next != nil; {
		if !d.used && !d.next.used {
			next := d.next
			d.size += next.size
			d.next = next.next
			if d.next != nil {
				d.next.prev = d
			}
			continue
		}
		d = d.next
	}
}

// teardown releases the regions of a partially built space.
func (s *Space) teardown() {
	for d := s.head; d != nil; d = d.next {
		if r := d.region; r != nil {
			_ = r.unmapAll()
			r.release()
			d.region = nil
		}
	}
	if err := s.dir.Destroy(); err != nil {
		log.Warnf("%s: unable to release page directory of failed fork: %v", s.name, err)
	}
}
