package rebind

import (
	"unsafe"

	"github.com/appsworld/go-rebind/types"
)

// imageLoader is the dynamic loader surface the engine consumes. The darwin
// implementation wraps dyld; tests substitute fakes.
type imageLoader interface {
	// Resolve reports whether the loader can name the image at header.
	// Anonymous or transient mappings resolve false and are skipped.
	Resolve(header unsafe.Pointer) bool

	// ImageCount returns the number of currently loaded images.
	ImageCount() uint32

	// Image returns the mach header and ASLR slide of image i.
	Image(i uint32) (header unsafe.Pointer, slide uintptr)

	// RegisterAddImage installs fn with the loader. The loader calls fn once
	// per already-loaded image before returning and once per image loaded
	// from then on.
	RegisterAddImage(fn func(header unsafe.Pointer, slide uintptr))
}

// sectionProtector is the VM protection surface used while rewriting slots
// in read-only-at-rest segments.
type sectionProtector interface {
	// Protection returns the kernel's protection bits for the region
	// containing addr.
	Protection(addr unsafe.Pointer) types.VmProtection

	// Protect sets the protection of the pages covering [addr, addr+length).
	Protect(addr unsafe.Pointer, length uintptr, prot types.VmProtection) error
}
