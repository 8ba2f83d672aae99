//go:build darwin && cgo

package rebind

/*
#include <mach/mach.h>
#include <mach/vm_map.h>
#include <mach/vm_region.h>

static int rebindRegionProtection(void *addr) {
	vm_size_t size = 0;
	vm_address_t address = (vm_address_t)addr;
	memory_object_name_t object;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	vm_region_basic_info_data_64_t info;
	kern_return_t kr = vm_region_64(mach_task_self(), &address, &size,
	                                VM_REGION_BASIC_INFO_64,
	                                (vm_region_info_64_t)&info, &count, &object);
	if (kr != KERN_SUCCESS) {
		return -1;
	}
	return (int)info.protection;
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/appsworld/go-rebind/types"
)

// machProtector implements sectionProtector with mach region queries and
// mprotect.
type machProtector struct{}

func newProtector() sectionProtector { return machProtector{} }

func (machProtector) Protection(addr unsafe.Pointer) types.VmProtection {
	p := C.rebindRegionProtection(addr)
	if p < 0 {
		return types.VM_PROT_READ
	}
	return types.VmProtection(p)
}

func (machProtector) Protect(addr unsafe.Pointer, length uintptr, prot types.VmProtection) error {
	mprot := 0
	if prot.Read() {
		mprot |= unix.PROT_READ
	}
	if prot.Write() {
		mprot |= unix.PROT_WRITE
	}
	if prot.Execute() {
		mprot |= unix.PROT_EXEC
	}
	// mprotect operates on whole pages; round the range out to cover them.
	pageSize := uintptr(unix.Getpagesize())
	start := uintptr(addr) &^ (pageSize - 1)
	end := (uintptr(addr) + length + pageSize - 1) &^ (pageSize - 1)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	return unix.Mprotect(region, mprot)
}
