// Package budget provides ClassBudget, an Accountant that tracks committed bytes per owner tag and refuses
// requests that would push a tag, or the process as a whole, over its limit.
package budget

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mmapseg/internal/utils"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/segment"
)

// CreateFlags configure a ClassBudget
type CreateFlags int32

const (
	// CreateExternallySynchronized skips the internal lock. Every segment sharing the budget must then be
	// called under one common lock.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

// CreateOptions contains optional settings when creating a ClassBudget
type CreateOptions struct {
	Flags CreateFlags
	// TotalLimit caps the bytes charged across all tags. Zero means no limit.
	TotalLimit int
	// Limits caps the bytes charged to individual tags. Tags that are absent are unlimited.
	Limits map[memutils.OwnerTag]int
}

// ClassBudget is a segment.Accountant that keeps a running total of bytes per owner tag
type ClassBudget struct {
	mutex utils.OptionalRWMutex

	usage      *swiss.Map[memutils.OwnerTag, int]
	limits     *swiss.Map[memutils.OwnerTag, int]
	total      int
	totalLimit int
	refusals   int
}

var _ segment.Accountant = &ClassBudget{}

// New creates a ClassBudget with the limits in options
func New(options CreateOptions) (*ClassBudget, error) {
	if options.TotalLimit < 0 {
		return nil, errors.Newf("invalid total limit: %d", options.TotalLimit)
	}

	b := &ClassBudget{
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		usage:      swiss.NewMap[memutils.OwnerTag, int](8),
		limits:     swiss.NewMap[memutils.OwnerTag, int](uint32(len(options.Limits))),
		totalLimit: options.TotalLimit,
	}

	for tag, limit := range options.Limits {
		if limit < 0 {
			return nil, errors.Newf("invalid limit %d for %s", limit, tag)
		}
		b.limits.Put(tag, limit)
	}

	return b, nil
}

// SetLimit changes the limit of a single tag. A negative limit removes it. Lowering a limit below the
// current usage does not take anything back, it only refuses later requests.
func (b *ClassBudget) SetLimit(tag memutils.OwnerTag, limit int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if limit < 0 {
		b.limits.Delete(tag)
		return
	}
	b.limits.Put(tag, limit)
}

// SetTotalLimit changes the limit across all tags. Zero removes it.
func (b *ClassBudget) SetTotalLimit(limit int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.totalLimit = limit
}

func (b *ClassBudget) fits(tag memutils.OwnerTag, bytes int) bool {
	limit, limited := b.limits.Get(tag)
	if limited {
		current, _ := b.usage.Get(tag)
		if current+bytes > limit {
			return false
		}
	}

	return true
}

func (b *ClassBudget) add(tag memutils.OwnerTag, bytes int) {
	current, _ := b.usage.Get(tag)
	if current+bytes < 0 {
		panic(fmt.Sprintf("usage of %s went negative", tag))
	}

	if current+bytes == 0 {
		b.usage.Delete(tag)
		return
	}
	b.usage.Put(tag, current+bytes)
}

func (b *ClassBudget) TryReserve(tag memutils.OwnerTag, bytes int) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.fits(tag, bytes) || (b.totalLimit > 0 && b.total+bytes > b.totalLimit) {
		b.refusals++
		return false
	}

	b.add(tag, bytes)
	b.total += bytes
	return true
}

func (b *ClassBudget) Release(tag memutils.OwnerTag, bytes int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.total < bytes {
		panic(fmt.Sprintf("total usage went negative releasing %d bytes of %s", bytes, tag))
	}

	b.add(tag, -bytes)
	b.total -= bytes
}

// Transfer moves bytes from one tag to another. The total is unchanged, so only the receiving tag's limit
// is checked.
func (b *ClassBudget) Transfer(from, to memutils.OwnerTag, bytes int) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if from == to {
		return true
	}

	if !b.fits(to, bytes) {
		b.refusals++
		return false
	}

	b.add(from, -bytes)
	b.add(to, bytes)
	return true
}

// Usage returns the bytes currently charged to tag
func (b *ClassBudget) Usage(tag memutils.OwnerTag) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	usage, _ := b.usage.Get(tag)
	return usage
}

// Total returns the bytes currently charged across all tags
func (b *ClassBudget) Total() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return b.total
}

// Refusals returns how many requests have been refused so far
func (b *ClassBudget) Refusals() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return b.refusals
}

// Snapshot returns a copy of the usage of every tag with a nonzero balance
func (b *ClassBudget) Snapshot() map[memutils.OwnerTag]int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	snapshot := make(map[memutils.OwnerTag]int, b.usage.Count())
	b.usage.Iter(func(tag memutils.OwnerTag, usage int) bool {
		snapshot[tag] = usage
		return false
	})

	return snapshot
}

// Validate verifies that the per-tag balances add up to the total
func (b *ClassBudget) Validate() error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	var sum int
	var err error
	b.usage.Iter(func(tag memutils.OwnerTag, usage int) bool {
		if usage < 0 {
			err = errors.Wrapf(memutils.ErrInconsistent, "usage of %s is negative: %d", tag, usage)
			return true
		}
		sum += usage
		return false
	})
	if err != nil {
		return err
	}

	if sum != b.total {
		return errors.Wrapf(memutils.ErrInconsistent, "tag usage adds up to %d, but the total is %d", sum, b.total)
	}

	return nil
}

// PrintJson writes the total, the limits, and the usage of every tag into json
func (b *ClassBudget) PrintJson(json jwriter.ObjectState) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	json.Name("Total").Int(b.total)
	json.Name("TotalLimit").Int(b.totalLimit)
	json.Name("Refusals").Int(b.refusals)

	usageObj := json.Name("Usage").Object()
	b.usage.Iter(func(tag memutils.OwnerTag, usage int) bool {
		usageObj.Name(tag.String()).Int(usage)
		return false
	})
	usageObj.End()

	limitObj := json.Name("Limits").Object()
	b.limits.Iter(func(tag memutils.OwnerTag, limit int) bool {
		limitObj.Name(tag.String()).Int(limit)
		return false
	})
	limitObj.End()
}
