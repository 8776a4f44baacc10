package e57

const (
	VersionMajor uint32 = 1
	VersionMinor uint32 = 0

	headerSize uint64 = 64

	// DefaultPageSize is the physical page size, checksum included.
	DefaultPageSize uint64 = 1024
	MinPageSize     uint64 = 128
	MaxPageSize     uint64 = 1 << 20

	checksumSize uint64 = 4
)

// Magic is the 8-byte file signature.
var Magic = [8]byte{'A', 'S', 'T', 'M', '-', 'E', '5', '7'}

// Mode selects how a file is opened.
type Mode uint8

const (
	ModeRead Mode = iota
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// Kind is the element type of a node.
type Kind uint8

const (
	KindStructure Kind = iota + 1
	KindVector
	KindPackedVector
	KindInteger
	KindScaledInteger
	KindFloat
	KindString
	KindBlob
)

// String returns the element type name used in the markup section.
func (k Kind) String() string {
	switch k {
	case KindStructure:
		return "Structure"
	case KindVector:
		return "Vector"
	case KindPackedVector:
		return "CompressedVector"
	case KindInteger:
		return "Integer"
	case KindScaledInteger:
		return "ScaledInteger"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBlob:
		return "Blob"
	default:
		return "Unknown"
	}
}

func parseKind(s string) (Kind, bool) {
	for k := KindStructure; k <= KindBlob; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// IsContainer reports whether nodes of kind k own children.
func (k Kind) IsContainer() bool {
	return k == KindStructure || k == KindVector || k == KindPackedVector
}

// Precision is the storage width of a Float node.
type Precision uint8

const (
	PrecisionDouble Precision = iota
	PrecisionSingle
)

func (p Precision) String() string {
	if p == PrecisionSingle {
		return "single"
	}
	return "double"
}

// Header is the fixed record at the start of every file.
// Offsets and lengths are logical (checksum bytes excluded).
type Header struct {
	Magic          [8]byte
	Major          uint32
	Minor          uint32
	PhysicalLength uint64
	PageSize       uint64
	MarkupOffset   uint64
	MarkupLength   uint64
	BinaryOffset   uint64
	BinaryLength   uint64
}
