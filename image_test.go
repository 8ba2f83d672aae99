//go:build amd64 || arm64

package rebind

// Synthetic in-memory images for exercising the walker and rewriter without
// a live dynamic loader. The builder lays a real 64-bit Mach-O header, load
// commands, and linkedit tables over Go-owned buffers and points the
// sections' slots at Go-owned memory, so a walk with slide 0 reads and
// writes exactly like it would against a loaded image.

import (
	"testing"
	"unsafe"

	"github.com/appsworld/go-rebind/types"
)

// slotSpec describes one indirect pointer slot. A non-empty sym is the
// symbol name as stored in the string table (leading underscore included);
// an empty sym emits the given sentinel into the indirect table instead.
type slotSpec struct {
	sym      string
	sentinel uint32
}

// sectionSpec describes one section, placed in its own segment command.
type sectionSpec struct {
	seg   string
	name  string
	flags types.SectionFlag
	slots []slotSpec
}

// seeds provides distinct, stable addresses for initial slot values.
var seeds [64]int

type testImage struct {
	hdr      []byte
	linkedit []byte

	slots    [][]unsafe.Pointer // live slot arrays, one per section
	initial  [][]unsafe.Pointer // their values at build time
	segCmds  []*segmentCommand
	dysymtab *types.DysymtabCmd
}

func (ti *testImage) header() unsafe.Pointer { return unsafe.Pointer(&ti.hdr[0]) }

// slot returns the current value of slot j in section i.
func (ti *testImage) slot(i, j int) unsafe.Pointer { return ti.slots[i][j] }

func buildImage(t *testing.T, specs []sectionSpec) *testImage {
	t.Helper()

	ti := new(testImage)

	// Shared symbol and string tables.
	symIndex := make(map[string]uint32)
	strtab := []byte{0}
	var syms []nlist
	for _, spec := range specs {
		for _, sl := range spec.slots {
			if sl.sym == "" {
				continue
			}
			if _, ok := symIndex[sl.sym]; ok {
				continue
			}
			symIndex[sl.sym] = uint32(len(syms))
			syms = append(syms, nlist{Nstrx: uint32(len(strtab))})
			strtab = append(strtab, sl.sym...)
			strtab = append(strtab, 0)
		}
	}

	// Indirect table, one run per section.
	var indirect []uint32
	reserved := make([]uint32, len(specs))
	for i, spec := range specs {
		reserved[i] = uint32(len(indirect))
		for _, sl := range spec.slots {
			if sl.sym == "" {
				indirect = append(indirect, sl.sentinel)
			} else {
				indirect = append(indirect, symIndex[sl.sym])
			}
		}
	}

	// Assemble __LINKEDIT: nlist array, string table, indirect table.
	nlistSize := int(unsafe.Sizeof(nlist{}))
	stroff := len(syms) * nlistSize
	indoff := (stroff + len(strtab) + 3) &^ 3
	ti.linkedit = make([]byte, indoff+4*len(indirect)+4)
	for i, n := range syms {
		*(*nlist)(unsafe.Pointer(&ti.linkedit[i*nlistSize])) = n
	}
	copy(ti.linkedit[stroff:], strtab)
	for i, v := range indirect {
		*(*uint32)(unsafe.Pointer(&ti.linkedit[indoff+4*i])) = v
	}

	// Live slot arrays with distinct initial targets.
	seed := 0
	for _, spec := range specs {
		arr := make([]unsafe.Pointer, len(spec.slots))
		before := make([]unsafe.Pointer, len(spec.slots))
		for j := range arr {
			arr[j] = unsafe.Pointer(&seeds[seed%len(seeds)])
			before[j] = arr[j]
			seed++
		}
		ti.slots = append(ti.slots, arr)
		ti.initial = append(ti.initial, before)
	}

	// Header and load commands: one single-section segment per spec, then
	// __LINKEDIT, LC_SYMTAB, LC_DYSYMTAB.
	var (
		hdrSize  = int(unsafe.Sizeof(machHeader{}))
		segSize  = int(unsafe.Sizeof(segmentCommand{}))
		sectSize = int(unsafe.Sizeof(section{}))
		stSize   = int(unsafe.Sizeof(types.SymtabCmd{}))
		dstSize  = int(unsafe.Sizeof(types.DysymtabCmd{}))
	)
	total := hdrSize + len(specs)*(segSize+sectSize) + segSize + stSize + dstSize
	ti.hdr = make([]byte, total)

	mh := (*machHeader)(unsafe.Pointer(&ti.hdr[0]))
	mh.Magic = types.Magic64
	mh.CPU = types.CPUAmd64
	mh.Type = types.MH_DYLIB
	mh.NCommands = uint32(len(specs)) + 3
	mh.SizeCommands = uint32(total - hdrSize)

	off := hdrSize
	for i, spec := range specs {
		seg := (*segmentCommand)(unsafe.Pointer(&ti.hdr[off]))
		seg.LoadCmd = lcSegmentArch
		seg.Len = uint32(segSize + sectSize)
		copy(seg.Name[:], spec.seg)
		seg.Nsect = 1
		ti.segCmds = append(ti.segCmds, seg)

		sect := (*section)(unsafe.Pointer(&ti.hdr[off+segSize]))
		copy(sect.Name[:], spec.name)
		copy(sect.Seg[:], spec.seg)
		if len(spec.slots) > 0 {
			sect.Addr = uint64(uintptr(unsafe.Pointer(&ti.slots[i][0])))
		}
		sect.Size = uint64(len(spec.slots)) * uint64(ptrSize)
		sect.Flags = spec.flags
		sect.Reserve1 = reserved[i]
		off += segSize + sectSize
	}

	le := (*segmentCommand)(unsafe.Pointer(&ti.hdr[off]))
	le.LoadCmd = lcSegmentArch
	le.Len = uint32(segSize)
	copy(le.Name[:], types.SegLinkEdit)
	le.Addr = uint64(uintptr(unsafe.Pointer(&ti.linkedit[0])))
	le.Memsz = uint64(len(ti.linkedit))
	ti.segCmds = append(ti.segCmds, le)
	off += segSize

	st := (*types.SymtabCmd)(unsafe.Pointer(&ti.hdr[off]))
	st.LoadCmd = types.LC_SYMTAB
	st.Len = uint32(stSize)
	st.Nsyms = uint32(len(syms))
	st.Stroff = uint32(stroff)
	st.Strsize = uint32(len(strtab))
	off += stSize

	dst := (*types.DysymtabCmd)(unsafe.Pointer(&ti.hdr[off]))
	dst.LoadCmd = types.LC_DYSYMTAB
	dst.Len = uint32(dstSize)
	dst.Indirectsymoff = uint32(indoff)
	dst.Nindirectsyms = uint32(len(indirect))
	ti.dysymtab = dst

	return ti
}

// lazyDataImage is the common one-section case: a __DATA lazy pointer
// section holding the given symbols.
func lazyDataImage(t *testing.T, syms ...string) *testImage {
	t.Helper()
	slots := make([]slotSpec, len(syms))
	for i, s := range syms {
		slots[i] = slotSpec{sym: s}
	}
	return buildImage(t, []sectionSpec{{
		seg:   types.SegData,
		name:  "__la_symbol_ptr",
		flags: types.S_LAZY_SYMBOL_POINTERS,
		slots: slots,
	}})
}

type fakeImage struct {
	header unsafe.Pointer
	slide  uintptr
}

// fakeLoader stands in for dyld: it replays its image list on hook
// installation and lets tests fire the hook for late-loaded images.
type fakeLoader struct {
	images   []fakeImage
	unnamed  map[unsafe.Pointer]bool
	addImage func(header unsafe.Pointer, slide uintptr)
}

func (l *fakeLoader) add(ti *testImage) { l.images = append(l.images, fakeImage{ti.header(), 0}) }

func (l *fakeLoader) Resolve(header unsafe.Pointer) bool { return !l.unnamed[header] }

func (l *fakeLoader) ImageCount() uint32 { return uint32(len(l.images)) }

func (l *fakeLoader) Image(i uint32) (unsafe.Pointer, uintptr) {
	return l.images[i].header, l.images[i].slide
}

func (l *fakeLoader) RegisterAddImage(fn func(header unsafe.Pointer, slide uintptr)) {
	l.addImage = fn
	for _, im := range l.images {
		fn(im.header, im.slide)
	}
}

type protCall struct {
	addr   unsafe.Pointer
	length uintptr
	prot   types.VmProtection
}

// fakeProtector records the protection transitions the rewriter requests.
type fakeProtector struct {
	current types.VmProtection
	queries []unsafe.Pointer
	calls   []protCall
}

func (p *fakeProtector) Protection(addr unsafe.Pointer) types.VmProtection {
	p.queries = append(p.queries, addr)
	return p.current
}

func (p *fakeProtector) Protect(addr unsafe.Pointer, length uintptr, prot types.VmProtection) error {
	p.calls = append(p.calls, protCall{addr, length, prot})
	return nil
}

func newTestRegistry(l imageLoader) (*registry, *fakeProtector) {
	prot := &fakeProtector{current: types.VM_PROT_READ}
	return &registry{loader: l, prot: prot}, prot
}
