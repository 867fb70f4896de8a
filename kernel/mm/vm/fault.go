package vm

import (
	"kmem/kernel"
	"kmem/kernel/mm"
)

var errAccessViolation = &kernel.Error{Module: "vm", Message: "access not permitted by the region's protection", Kind: kernel.KindPermissionDenied}

// TryPageFault resolves a fault caused by an access to addr. It copies a
// copy-on-write page on writes, reads in or allocates a missing page and
// maps the single faulting page. The space lock is not held while the
// object produces the page; the region is looked up again before the page
// is installed.
func (s *Space) TryPageFault(addr uintptr, access mm.Access) error {
	s.mu.Lock()
	r := s.regionContaining(addr)
	if r == nil {
		s.mu.Unlock()
		return errNoSuchMapping
	}
	if !r.prot.Contains(access.Prot()) {
		s.mu.Unlock()
		return errAccessViolation
	}
	ref := r.object.Clone()
	index := r.objectIndex(addr)
	s.mu.Unlock()

	defer ref.Release()
	obj := ref.Get()

	if access == mm.AccessWrite && obj.IsCoW(index) {
		// Another fault may have copied the page in the meantime.
		if err := obj.TryCoWPage(index); err != nil && err != errNotCoW {
			return err
		}
	}

	if _, err := obj.TryFaultInPage(index); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.regionContaining(addr) != r {
		return errNoSuchMapping
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()

	frame, cow := obj.pageState(index)
	if frame == 0 {
		return errNoSuchMapping
	}
	return s.dir.MapPage(mm.PageFromAddress(addr), frame, r.leafProt(cow))
}
