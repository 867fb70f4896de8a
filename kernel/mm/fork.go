package mm

// ForkAction describes what happens to a memory object when an address
// space that maps it is duplicated.
type ForkAction uint8

const (
	// ForkBecomeCoW clones the object into the child; both copies share
	// their resident pages until one of them writes.
	ForkBecomeCoW ForkAction = iota

	// ForkShare maps the same object into the child.
	ForkShare

	// ForkIgnore drops the mapping from the child.
	ForkIgnore
)

func (a ForkAction) String() string {
	switch a {
	case ForkBecomeCoW:
		return "cow"
	case ForkShare:
		return "share"
	case ForkIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}
