package types

import "fmt"

// A MachHeader64 is the raw header at the start of every 64-bit Mach-O
// image. The field widths and order match <mach-o/loader.h> exactly so the
// struct can be laid over live process memory.
type MachHeader64 struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
	Reserved     uint32
}

// A MachHeader32 is the raw 32-bit Mach-O header. Identical to the 64-bit
// layout minus the trailing reserved word.
type MachHeader32 struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
}

const (
	FileHeaderSize32 = 7 * 4
	FileHeaderSize64 = 8 * 4
)

type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	Magic64  Magic = 0xfeedfacf
	MagicFat Magic = 0xcafebabe
)

var magicStrings = []IntName{
	{uint32(Magic32), "32-bit MachO"},
	{uint32(Magic64), "64-bit MachO"},
	{uint32(MagicFat), "Fat MachO"},
}

func (i Magic) Int() uint32      { return uint32(i) }
func (i Magic) String() string   { return StringName(uint32(i), magicStrings, false) }
func (i Magic) GoString() string { return StringName(uint32(i), magicStrings, true) }

// A HeaderFileType is the Mach-O file type, e.g. an object file, executable, or dynamic library.
type HeaderFileType uint32

const (
	MH_OBJECT      HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE     HeaderFileType = 0x2 /* demand paged executable file */
	MH_FVMLIB      HeaderFileType = 0x3 /* fixed VM shared library file */
	MH_CORE        HeaderFileType = 0x4 /* core file */
	MH_PRELOAD     HeaderFileType = 0x5 /* preloaded executable file */
	MH_DYLIB       HeaderFileType = 0x6 /* dynamically bound shared library */
	MH_DYLINKER    HeaderFileType = 0x7 /* dynamic link editor */
	MH_BUNDLE      HeaderFileType = 0x8 /* dynamically bound bundle file */
	MH_DYLIB_STUB  HeaderFileType = 0x9 /* shared library stub for static linking only, no section contents */
	MH_DSYM        HeaderFileType = 0xa /* companion file with only debug sections */
	MH_KEXT_BUNDLE HeaderFileType = 0xb /* x86_64 kexts */
	MH_FILESET     HeaderFileType = 0xc /* a file composed of other Mach-Os to be run in the same userspace sharing a single linkedit */
)

var fileTypeStrings = []IntName{
	{uint32(MH_OBJECT), "OBJECT"},
	{uint32(MH_EXECUTE), "EXECUTE"},
	{uint32(MH_FVMLIB), "FVMLIB"},
	{uint32(MH_CORE), "CORE"},
	{uint32(MH_PRELOAD), "PRELOAD"},
	{uint32(MH_DYLIB), "DYLIB"},
	{uint32(MH_DYLINKER), "DYLINKER"},
	{uint32(MH_BUNDLE), "BUNDLE"},
	{uint32(MH_DYLIB_STUB), "DYLIB_STUB"},
	{uint32(MH_DSYM), "DSYM"},
	{uint32(MH_KEXT_BUNDLE), "KEXT_BUNDLE"},
	{uint32(MH_FILESET), "FILESET"},
}

func (t HeaderFileType) String() string   { return StringName(uint32(t), fileTypeStrings, false) }
func (t HeaderFileType) GoString() string { return StringName(uint32(t), fileTypeStrings, true) }

type HeaderFlag uint32

const (
	NoUndefs          HeaderFlag = 0x1
	DyldLink          HeaderFlag = 0x4
	BindAtLoad        HeaderFlag = 0x8
	TwoLevel          HeaderFlag = 0x80
	WeakDefines       HeaderFlag = 0x8000
	BindsToWeak       HeaderFlag = 0x10000
	PIE               HeaderFlag = 0x200000
	HasTLVDescriptors HeaderFlag = 0x800000
	AppExtensionSafe  HeaderFlag = 0x2000000
	DylibInCache      HeaderFlag = 0x80000000
)

var headerFlagStrings = []IntName{
	{uint32(NoUndefs), "NOUNDEFS"},
	{uint32(DyldLink), "DYLDLINK"},
	{uint32(BindAtLoad), "BINDATLOAD"},
	{uint32(TwoLevel), "TWOLEVEL"},
	{uint32(WeakDefines), "WEAK_DEFINES"},
	{uint32(BindsToWeak), "BINDS_TO_WEAK"},
	{uint32(PIE), "PIE"},
	{uint32(HasTLVDescriptors), "HAS_TLV_DESCRIPTORS"},
	{uint32(AppExtensionSafe), "APP_EXTENSION_SAFE"},
	{uint32(DylibInCache), "DYLIB_IN_CACHE"},
}

// List returns the names of the flags set in f. Flags outside the known set
// are omitted.
func (f HeaderFlag) List() []string {
	var flags []string
	for _, n := range headerFlagStrings {
		if uint32(f)&n.I != 0 {
			flags = append(flags, n.S)
		}
	}
	return flags
}

func (f HeaderFlag) String() string {
	if f == 0 {
		return "NONE"
	}
	var s string
	for i, name := range f.List() {
		if i > 0 {
			s += ", "
		}
		s += name
	}
	if s == "" {
		return fmt.Sprintf("%#x", uint32(f))
	}
	return s
}
