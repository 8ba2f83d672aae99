package rebind

import (
	"unsafe"

	"github.com/appsworld/go-rebind/types"
)

// loadCommand is the common prefix every load command starts with.
type loadCommand struct {
	Cmd types.LoadCmd
	Len uint32
}

// loadCommandCursor iterates a header's load-command stream, advancing by
// each command's declared size. A declared size smaller than the common
// prefix ends the walk: nothing past a malformed command can be trusted.
type loadCommandCursor struct {
	addr uintptr
	rem  uint32
}

func loadCommands(header unsafe.Pointer) loadCommandCursor {
	mh := (*machHeader)(header)
	return loadCommandCursor{
		addr: uintptr(header) + unsafe.Sizeof(machHeader{}),
		rem:  mh.NCommands,
	}
}

func (c *loadCommandCursor) next() *loadCommand {
	if c.rem == 0 {
		return nil
	}
	c.rem--
	cmd := (*loadCommand)(unsafe.Pointer(c.addr))
	if cmd.Len < uint32(unsafe.Sizeof(loadCommand{})) {
		c.rem = 0
		return nil
	}
	c.addr += uintptr(cmd.Len)
	return cmd
}

// imageView bundles the linkedit-derived table pointers for one image walk.
type imageView struct {
	slide          uintptr
	symtab         uintptr // nlist array
	strtab         uintptr // string table
	indirectSymtab uintptr // uint32 indices into the nlist array
}

// rebindImage applies batch (and everything linked behind it) to a single
// loaded image. Images the loader cannot name and images without complete
// symbol metadata are skipped without error.
func (r *registry) rebindImage(batch *rebindings, header unsafe.Pointer, slide uintptr) {
	if batch == nil || header == nil {
		return
	}
	if !r.loader.Resolve(header) {
		return
	}

	var linkedit *segmentCommand
	var symtabCmd *types.SymtabCmd
	var dysymtabCmd *types.DysymtabCmd

	cur := loadCommands(header)
	for cmd := cur.next(); cmd != nil; cmd = cur.next() {
		switch cmd.Cmd {
		case lcSegmentArch:
			seg := (*segmentCommand)(unsafe.Pointer(cmd))
			if segNameIs(&seg.Name, types.SegLinkEdit) {
				linkedit = seg
			}
		case types.LC_SYMTAB:
			symtabCmd = (*types.SymtabCmd)(unsafe.Pointer(cmd))
		case types.LC_DYSYMTAB:
			dysymtabCmd = (*types.DysymtabCmd)(unsafe.Pointer(cmd))
		}
	}
	if linkedit == nil || symtabCmd == nil || dysymtabCmd == nil ||
		dysymtabCmd.Nindirectsyms == 0 {
		return
	}

	// The tables live in __LINKEDIT at file offsets; rebase them through the
	// segment's live mapping.
	linkeditBase := slide + uintptr(linkedit.Addr) - uintptr(linkedit.Offset)
	view := imageView{
		slide:          slide,
		symtab:         linkeditBase + uintptr(symtabCmd.Symoff),
		strtab:         linkeditBase + uintptr(symtabCmd.Stroff),
		indirectSymtab: linkeditBase + uintptr(dysymtabCmd.Indirectsymoff),
	}

	cur = loadCommands(header)
	for cmd := cur.next(); cmd != nil; cmd = cur.next() {
		if cmd.Cmd != lcSegmentArch {
			continue
		}
		seg := (*segmentCommand)(unsafe.Pointer(cmd))
		if !segNameIs(&seg.Name, types.SegData) && !segNameIs(&seg.Name, types.SegDataConst) {
			continue
		}
		sects := uintptr(unsafe.Pointer(seg)) + unsafe.Sizeof(segmentCommand{})
		for j := uint32(0); j < seg.Nsect; j++ {
			sect := (*section)(unsafe.Pointer(sects + uintptr(j)*unsafe.Sizeof(section{})))
			if sect.Flags.IsSymbolPointers() {
				r.rewriteSection(batch, sect, view)
			}
		}
	}
}

// segNameIs compares a NUL-padded 16-byte name field against s without
// allocating.
func segNameIs(name *[16]byte, s string) bool {
	if len(s) > len(name) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if name[i] != s[i] {
			return false
		}
	}
	return len(s) == len(name) || name[len(s)] == 0
}
