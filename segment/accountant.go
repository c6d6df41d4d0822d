package segment

import "github.com/vkngwrapper/mmapseg/memutils"

// Accountant is consulted before a segment commits memory or hands committed memory to a different owner.
// A refusal is reported to the caller of Allocate exactly like running out of address space.
//
// Accountants are shared between segments and are called while the caller's segment lock is held, so
// they must not call back into a segment. When an operation fails after a successful Transfer, the
// segment reverses it with a Transfer in the opposite direction, which must not be refused.
type Accountant interface {
	// TryReserve charges bytes to tag, returning false if tag's budget cannot absorb them
	TryReserve(tag memutils.OwnerTag, bytes int) bool
	// Release returns bytes previously charged to tag
	Release(tag memutils.OwnerTag, bytes int)
	// Transfer moves bytes already charged to from over to to, returning false if to cannot absorb them
	Transfer(from, to memutils.OwnerTag, bytes int) bool
}

// UnlimitedAccountant accepts every request. It is used when CreateOptions.Accountant is nil.
type UnlimitedAccountant struct{}

var _ Accountant = UnlimitedAccountant{}

func (UnlimitedAccountant) TryReserve(tag memutils.OwnerTag, bytes int) bool {
	return true
}

func (UnlimitedAccountant) Release(tag memutils.OwnerTag, bytes int) {}

func (UnlimitedAccountant) Transfer(from, to memutils.OwnerTag, bytes int) bool {
	return true
}
