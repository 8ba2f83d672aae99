//go:build 386 || arm

package rebind

import "github.com/appsworld/go-rebind/types"

// 32-bit processes see the narrow layouts and plain LC_SEGMENT.
type (
	machHeader     = types.MachHeader32
	segmentCommand = types.Segment32
	section        = types.Section32
	nlist          = types.Nlist32
)

const lcSegmentArch = types.LC_SEGMENT
