// Package rebind retargets calls to dynamically-imported symbols inside the
// running process. It walks every loaded Mach-O image, finds the lazy and
// non-lazy indirect symbol pointer sections in the data segments, and
// rewrites the slots whose symbol names match a registered rebinding so that
// subsequent calls land in the caller's replacement. The previously bound
// address is handed back so the replacement can chain through to the
// original. Executable code is never modified; only the writable indirection
// tables are touched.
package rebind

import (
	"errors"
	"sync"
	"unsafe"
)

var (
	// ErrUnsupported is returned on platforms without a dynamic loader the
	// engine can drive (anything but darwin, or builds with cgo disabled).
	ErrUnsupported = errors.New("rebind: not supported on this platform")

	// ErrBadImage is returned when a nil image header is handed to
	// RebindImage.
	ErrBadImage = errors.New("rebind: nil image header")
)

// A Rebinding names one imported symbol and the function pointer to install
// in its place. Name is the symbol as the compiler sees it, without the
// leading underscore the linker prepends; the match against the image's
// string table is exact. If Original is non-nil it receives the previously
// bound address the first time a matching slot is rewritten, so the
// replacement can chain through it.
type Rebinding struct {
	Name        string
	Replacement unsafe.Pointer
	Original    *unsafe.Pointer
}

// rebindings is one registered batch. Batches form a prepend-only list and
// are never released: an in-flight indirect call may still be about to jump
// through a replacement registered in an older batch.
type rebindings struct {
	entries []Rebinding
	next    *rebindings
}

// A registry accumulates rebinding batches and drives them over images as
// the loader reports them. Registrations and loader callbacks are assumed to
// be serialized by the caller and by the loader itself; only the first-time
// hook installation is guarded.
type registry struct {
	head   *rebindings
	once   sync.Once
	loader imageLoader
	prot   sectionProtector
}

var global = &registry{loader: newLoader(), prot: newProtector()}

// RebindSymbols registers rebindings for every image in the process, present
// and future. The slice is copied; the caller may reuse it after return.
// The first call installs an add-image hook with the dynamic loader, which
// immediately replays every already-loaded image; later calls enumerate the
// loaded images and bring them up to date with the full accumulated set.
//
// If the same symbol is registered more than once, the most recent
// registration wins.
func RebindSymbols(rebs []Rebinding) error {
	return global.rebindSymbols(rebs)
}

// RebindImage rebinds symbols in a single image, identified by its mach
// header and ASLR slide, without touching the global registration set or any
// other image. Images loaded later are unaffected.
func RebindImage(header unsafe.Pointer, slide uintptr, rebs []Rebinding) error {
	return global.rebindImageOnly(header, slide, rebs)
}

func (r *registry) prepend(rebs []Rebinding) *rebindings {
	entry := &rebindings{
		entries: append([]Rebinding(nil), rebs...),
		next:    r.head,
	}
	r.head = entry
	return entry
}

func (r *registry) rebindSymbols(rebs []Rebinding) error {
	if r.loader == nil {
		return ErrUnsupported
	}
	r.prepend(rebs)
	installed := false
	r.once.Do(func() {
		installed = true
		// The loader invokes the hook once per already-loaded image before
		// RegisterAddImage returns, then once per image loaded afterwards.
		r.loader.RegisterAddImage(func(header unsafe.Pointer, slide uintptr) {
			r.rebindImage(r.head, header, slide)
		})
	})
	if !installed {
		for i, n := uint32(0), r.loader.ImageCount(); i < n; i++ {
			header, slide := r.loader.Image(i)
			r.rebindImage(r.head, header, slide)
		}
	}
	return nil
}

func (r *registry) rebindImageOnly(header unsafe.Pointer, slide uintptr, rebs []Rebinding) error {
	if r.loader == nil {
		return ErrUnsupported
	}
	if header == nil {
		return ErrBadImage
	}
	// A transient single-batch registry, never linked into the global list.
	local := &rebindings{entries: append([]Rebinding(nil), rebs...)}
	r.rebindImage(local, header, slide)
	return nil
}
