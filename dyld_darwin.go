//go:build darwin && cgo

package rebind

/*
#include <stdint.h>
#include <dlfcn.h>
#include <mach-o/dyld.h>

extern void rebindAddImage(void *header, intptr_t slide);
void rebindRegisterAddImageHook(void);
*/
import "C"

import "unsafe"

// dyldLoader drives the engine from the in-process dynamic loader.
type dyldLoader struct{}

func newLoader() imageLoader { return dyldLoader{} }

func (dyldLoader) Resolve(header unsafe.Pointer) bool {
	var info C.Dl_info
	return C.dladdr(header, &info) != 0
}

func (dyldLoader) ImageCount() uint32 {
	return uint32(C._dyld_image_count())
}

func (dyldLoader) Image(i uint32) (unsafe.Pointer, uintptr) {
	return unsafe.Pointer(C._dyld_get_image_header(C.uint32_t(i))),
		uintptr(C._dyld_get_image_vmaddr_slide(C.uint32_t(i)))
}

// addImageFn is the installed callback. dyld serializes add-image
// notifications, so there is no locking around it.
var addImageFn func(header unsafe.Pointer, slide uintptr)

func (dyldLoader) RegisterAddImage(fn func(header unsafe.Pointer, slide uintptr)) {
	addImageFn = fn
	C.rebindRegisterAddImageHook()
}

//export rebindAddImage
func rebindAddImage(header unsafe.Pointer, slide C.intptr_t) {
	if addImageFn != nil {
		addImageFn(header, uintptr(slide))
	}
}
