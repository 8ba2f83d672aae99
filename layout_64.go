//go:build !386 && !arm

package rebind

import "github.com/appsworld/go-rebind/types"

// 64-bit processes see the wide header, segment, section, and nlist layouts,
// and segments arrive as LC_SEGMENT_64.
type (
	machHeader     = types.MachHeader64
	segmentCommand = types.Segment64
	section        = types.Section64
	nlist          = types.Nlist64
)

const lcSegmentArch = types.LC_SEGMENT_64
