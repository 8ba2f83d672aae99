package rebind

// Read-side access to the same import tables the live engine rewrites.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/appsworld/go-rebind/types"
)

// FormatError is returned by the file reader if the data does not have the
// correct format for a Mach-O image.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// A File gives read-only access to the import tables of a Mach-O file on
// disk: the lazy and non-lazy pointer sections the live engine rewrites,
// resolved to their symbol names. Little-endian 32- and 64-bit images are
// supported; fat archives are not.
type File struct {
	Magic types.Magic
	CPU   types.CPU
	Type  types.HeaderFileType
	Flags types.HeaderFlag

	Sections []*FileSection
	Symtab   *types.SymtabCmd
	Dysymtab *types.DysymtabCmd

	symbols  []types.Nlist64 // widened to the 64-bit layout for uniform access
	strtab   []byte
	indirect []uint32

	closer io.Closer
}

// A FileSection is the header of one section read from disk, widened to the
// 64-bit field sizes.
type FileSection struct {
	Name     string
	Seg      string
	Addr     uint64
	Size     uint64
	Offset   uint32
	Flags    types.SectionFlag
	Reserve1 uint32
}

// An ImportedSymbol describes one indirect pointer slot in a lazy or
// non-lazy section. Sentinel slots carry an empty Name and the Local and/or
// Absolute flags instead.
type ImportedSymbol struct {
	Segment  string
	Section  string
	Address  uint64 // the slot's preferred virtual address
	Name     string // symbol name without the leading underscore
	Lazy     bool
	Local    bool
	Absolute bool
}

// Open opens the named file using os.Open and prepares it for use as a
// Mach-O image.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Close closes the File. If the File was created with NewFile directly
// instead of Open, Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// NewFile creates a new File for accessing a Mach-O image in an underlying
// reader.
func NewFile(r io.ReaderAt) (*File, error) {
	f := new(File)
	bo := binary.LittleEndian

	var ident [4]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, &FormatError{0, "error reading magic number", nil}
	}
	f.Magic = types.Magic(bo.Uint32(ident[:]))

	var hdrSize int64
	var ncmds, sizeofcmds uint32
	switch f.Magic {
	case types.Magic64:
		var hdr types.MachHeader64
		sr := io.NewSectionReader(r, 0, types.FileHeaderSize64)
		if err := binary.Read(sr, bo, &hdr); err != nil {
			return nil, fmt.Errorf("failed to read mach header: %v", err)
		}
		f.CPU, f.Type, f.Flags = hdr.CPU, hdr.Type, hdr.Flags
		ncmds, sizeofcmds = hdr.NCommands, hdr.SizeCommands
		hdrSize = types.FileHeaderSize64
	case types.Magic32:
		var hdr types.MachHeader32
		sr := io.NewSectionReader(r, 0, types.FileHeaderSize32)
		if err := binary.Read(sr, bo, &hdr); err != nil {
			return nil, fmt.Errorf("failed to read mach header: %v", err)
		}
		f.CPU, f.Type, f.Flags = hdr.CPU, hdr.Type, hdr.Flags
		ncmds, sizeofcmds = hdr.NCommands, hdr.SizeCommands
		hdrSize = types.FileHeaderSize32
	default:
		return nil, &FormatError{0, "invalid magic number", f.Magic}
	}

	cmddat := make([]byte, sizeofcmds)
	if _, err := r.ReadAt(cmddat, hdrSize); err != nil {
		return nil, &FormatError{hdrSize, "error reading load commands", nil}
	}

	offset := int64(0)
	for i := uint32(0); i < ncmds; i++ {
		if offset+8 > int64(len(cmddat)) {
			return nil, &FormatError{hdrSize + offset, "load command stream truncated", nil}
		}
		cmd := types.LoadCmd(bo.Uint32(cmddat[offset:]))
		siz := bo.Uint32(cmddat[offset+4:])
		if siz < 8 || offset+int64(siz) > int64(len(cmddat)) {
			return nil, &FormatError{hdrSize + offset, "invalid command size", siz}
		}
		dat := cmddat[offset : offset+int64(siz)]
		offset += int64(siz)

		switch cmd {
		case types.LC_SEGMENT_64:
			if err := f.parseSegment64(bytes.NewReader(dat), bo, hdrSize); err != nil {
				return nil, err
			}
		case types.LC_SEGMENT:
			if err := f.parseSegment32(bytes.NewReader(dat), bo, hdrSize); err != nil {
				return nil, err
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(dat), bo, &st); err != nil {
				return nil, fmt.Errorf("failed to read LC_SYMTAB: %v", err)
			}
			if err := f.readSymtab(r, bo, &st); err != nil {
				return nil, err
			}
			f.Symtab = &st
		case types.LC_DYSYMTAB:
			var dst types.DysymtabCmd
			if err := binary.Read(bytes.NewReader(dat), bo, &dst); err != nil {
				return nil, fmt.Errorf("failed to read LC_DYSYMTAB: %v", err)
			}
			f.indirect = make([]uint32, dst.Nindirectsyms)
			sr := io.NewSectionReader(r, int64(dst.Indirectsymoff), int64(dst.Nindirectsyms)*4)
			if err := binary.Read(sr, bo, f.indirect); err != nil {
				return nil, fmt.Errorf("failed to read indirect symbol table: %v", err)
			}
			f.Dysymtab = &dst
		}
	}
	return f, nil
}

func (f *File) parseSegment64(r io.Reader, bo binary.ByteOrder, hdrSize int64) error {
	var seg types.Segment64
	if err := binary.Read(r, bo, &seg); err != nil {
		return fmt.Errorf("failed to read LC_SEGMENT_64: %v", err)
	}
	for i := uint32(0); i < seg.Nsect; i++ {
		var sect types.Section64
		if err := binary.Read(r, bo, &sect); err != nil {
			return &FormatError{hdrSize, "segment section table truncated", seg.SegmentName()}
		}
		f.Sections = append(f.Sections, &FileSection{
			Name:     sect.SectionName(),
			Seg:      sect.SegmentName(),
			Addr:     sect.Addr,
			Size:     sect.Size,
			Offset:   sect.Offset,
			Flags:    sect.Flags,
			Reserve1: sect.Reserve1,
		})
	}
	return nil
}

func (f *File) parseSegment32(r io.Reader, bo binary.ByteOrder, hdrSize int64) error {
	var seg types.Segment32
	if err := binary.Read(r, bo, &seg); err != nil {
		return fmt.Errorf("failed to read LC_SEGMENT: %v", err)
	}
	for i := uint32(0); i < seg.Nsect; i++ {
		var sect types.Section32
		if err := binary.Read(r, bo, &sect); err != nil {
			return &FormatError{hdrSize, "segment section table truncated", seg.SegmentName()}
		}
		f.Sections = append(f.Sections, &FileSection{
			Name:     sect.SectionName(),
			Seg:      sect.SegmentName(),
			Addr:     uint64(sect.Addr),
			Size:     uint64(sect.Size),
			Offset:   sect.Offset,
			Flags:    sect.Flags,
			Reserve1: sect.Reserve1,
		})
	}
	return nil
}

func (f *File) readSymtab(r io.ReaderAt, bo binary.ByteOrder, st *types.SymtabCmd) error {
	f.symbols = make([]types.Nlist64, 0, st.Nsyms)
	if f.Magic == types.Magic64 {
		sr := io.NewSectionReader(r, int64(st.Symoff), int64(st.Nsyms)*16)
		for i := uint32(0); i < st.Nsyms; i++ {
			var n types.Nlist64
			if err := binary.Read(sr, bo, &n); err != nil {
				return fmt.Errorf("failed to read symbol table: %v", err)
			}
			f.symbols = append(f.symbols, n)
		}
	} else {
		sr := io.NewSectionReader(r, int64(st.Symoff), int64(st.Nsyms)*12)
		for i := uint32(0); i < st.Nsyms; i++ {
			var n32 types.Nlist32
			if err := binary.Read(sr, bo, &n32); err != nil {
				return fmt.Errorf("failed to read symbol table: %v", err)
			}
			f.symbols = append(f.symbols, types.Nlist64{
				Nstrx:  n32.Nstrx,
				Ntype:  n32.Ntype,
				Nsect:  n32.Nsect,
				Ndesc:  n32.Ndesc,
				Nvalue: uint64(n32.Nvalue),
			})
		}
	}
	f.strtab = make([]byte, st.Strsize)
	if _, err := r.ReadAt(f.strtab, int64(st.Stroff)); err != nil {
		return fmt.Errorf("failed to read string table: %v", err)
	}
	return nil
}

func (f *File) pointerSize() uint64 {
	if f.Magic == types.Magic64 {
		return 8
	}
	return 4
}

func (f *File) symbolName(strx uint32) string {
	if int(strx) >= len(f.strtab) {
		return ""
	}
	s := f.strtab[strx:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// ImportedSymbols returns one entry per indirect pointer slot in the data
// segments' lazy and non-lazy sections: everything a rebinding registered
// with the live engine could touch in this image.
func (f *File) ImportedSymbols() ([]ImportedSymbol, error) {
	if f.Symtab == nil || f.Dysymtab == nil {
		return nil, &FormatError{0, "missing symbol table commands", nil}
	}
	ptr := f.pointerSize()
	var imports []ImportedSymbol
	for _, s := range f.Sections {
		if !s.Flags.IsSymbolPointers() {
			continue
		}
		if s.Seg != types.SegData && s.Seg != types.SegDataConst {
			continue
		}
		for i := uint64(0); i < s.Size/ptr; i++ {
			idx := uint64(s.Reserve1) + i
			if idx >= uint64(len(f.indirect)) {
				return nil, &FormatError{0, "indirect table index out of range", s.Name}
			}
			imp := ImportedSymbol{
				Segment: s.Seg,
				Section: s.Name,
				Address: s.Addr + i*ptr,
				Lazy:    s.Flags.IsLazySymbolPointers(),
			}
			raw := f.indirect[idx]
			if types.IsIndirectSentinel(raw) {
				imp.Local = raw&types.INDIRECT_SYMBOL_LOCAL != 0
				imp.Absolute = raw&types.INDIRECT_SYMBOL_ABS != 0
			} else {
				if raw >= uint32(len(f.symbols)) {
					return nil, &FormatError{0, "symbol table index out of range", raw}
				}
				imp.Name = strings.TrimPrefix(f.symbolName(f.symbols[raw].Nstrx), "_")
			}
			imports = append(imports, imp)
		}
	}
	return imports, nil
}
