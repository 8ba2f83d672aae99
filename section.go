package rebind

import (
	"unsafe"

	"github.com/appsworld/go-rebind/types"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// rewriteSection walks one lazy or non-lazy pointer section alongside its
// slice of the indirect symbol table and swaps every slot whose symbol name
// matches a registered rebinding. The registry is searched head to tail and
// the first match wins, so the most recently registered replacement for a
// symbol takes precedence.
func (r *registry) rewriteSection(batch *rebindings, sect *section, view imageView) {
	indices := view.indirectSymtab + uintptr(sect.Reserve1)*4
	slots := view.slide + uintptr(sect.Addr)

	if segNameIs(&sect.Seg, types.SegDataConst) {
		// __DATA_CONST is read-only at rest. Open the slots up for the
		// duration of the walk and put the observed protection back on every
		// exit path.
		old := r.prot.Protection(unsafe.Pointer(batch))
		r.prot.Protect(unsafe.Pointer(slots), uintptr(sect.Size), types.VM_PROT_READ|types.VM_PROT_WRITE)
		defer r.prot.Protect(unsafe.Pointer(slots), uintptr(sect.Size), old)
	}

	for i := uintptr(0); i < uintptr(sect.Size)/ptrSize; i++ {
		symIdx := *(*uint32)(unsafe.Pointer(indices + i*4))
		if types.IsIndirectSentinel(symIdx) {
			continue
		}
		sym := (*nlist)(unsafe.Pointer(view.symtab + uintptr(symIdx)*unsafe.Sizeof(nlist{})))
		name := view.strtab + uintptr(sym.Nstrx)
		// The first byte is the linker's underscore; anything shorter cannot
		// name an import.
		if *(*byte)(unsafe.Pointer(name)) == 0 || *(*byte)(unsafe.Pointer(name + 1)) == 0 {
			continue
		}
		slot := (*unsafe.Pointer)(unsafe.Pointer(slots + i*ptrSize))
	matched:
		for cur := batch; cur != nil; cur = cur.next {
			for k := range cur.entries {
				reb := &cur.entries[k]
				if !cstrEqual(name+1, reb.Name) {
					continue
				}
				if reb.Original != nil && *slot != reb.Replacement {
					*reb.Original = *slot
				}
				*slot = reb.Replacement
				break matched
			}
		}
	}
}

// cstrEqual reports whether the NUL-terminated string at p equals s.
func cstrEqual(p uintptr, s string) bool {
	for i := 0; i < len(s); i++ {
		if *(*byte)(unsafe.Pointer(p + uintptr(i))) != s[i] {
			return false
		}
	}
	return *(*byte)(unsafe.Pointer(p + uintptr(len(s)))) == 0
}
