package mmapemu

import "github.com/vkngwrapper/mmapseg/segment"

// CreateFlags configure an Emulator
type CreateFlags int32

const (
	// CreateExternallySynchronized skips the emulator's lock. The caller must then make sure no two calls
	// into the emulator overlap, usually because it already holds its own allocator lock.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	return createFlagsMapping[f]
}

// CreateOptions contains optional settings when creating an Emulator. It is valid to leave every field
// blank.
type CreateOptions struct {
	Flags CreateFlags
	// SegmentSize is the number of bytes reserved for each segment. Mappings too large for a segment of this
	// size get a segment of their own. Defaults to DefaultSegmentSize.
	SegmentSize int
	// MaxSegments caps the number of segments reserved at once. Zero means no limit.
	MaxSegments int
	// Segment is passed to every segment the emulator creates
	Segment segment.CreateOptions
}
