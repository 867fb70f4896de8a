package vmm

import "kmem/kernel/mm"

// MapRange maps count consecutive pages starting at page to consecutive
// frames starting at frame. If a mapping fails, the pages mapped so far are
// unmapped again before the error is returned.
func MapRange(dir PageDirectory, page mm.Page, frame mm.Frame, count uintptr, prot mm.Prot) error {
	for i := uintptr(0); i < count; i++ {
		if err := dir.MapPage(page+mm.Page(i), frame+mm.Frame(i), prot); err != nil {
			for j := uintptr(0); j < i; j++ {
				_ = dir.UnmapPage(page + mm.Page(j))
			}
			return err
		}
	}

	return nil
}

// UnmapRange removes the mappings of count consecutive pages starting at
// page. Pages that are not mapped are skipped.
func UnmapRange(dir PageDirectory, page mm.Page, count uintptr) error {
	for i := uintptr(0); i < count; i++ {
		if err := dir.UnmapPage(page + mm.Page(i)); err != nil && err != ErrInvalidMapping {
			return err
		}
	}

	return nil
}
