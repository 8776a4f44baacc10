package e57

type Limits struct {
	MaxMarkupLength uint64 // bytes of markup accepted by Open
	MaxNodes        int    // nodes per file, prototypes included
	MaxDepth        int    // nesting depth of the markup tree
	MaxFieldBytes   uint64 // longest string/blob value inside a packed record
}

func defaultLimits() Limits {
	return Limits{
		MaxMarkupLength: 256 << 20, // 256 MiB
		MaxNodes:        4_000_000,
		MaxDepth:        256,
		MaxFieldBytes:   16 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := defaultLimits()
	if l.MaxMarkupLength == 0 {
		l.MaxMarkupLength = d.MaxMarkupLength
	}
	if l.MaxNodes == 0 {
		l.MaxNodes = d.MaxNodes
	}
	if l.MaxDepth == 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxFieldBytes == 0 {
		l.MaxFieldBytes = d.MaxFieldBytes
	}
	return l
}
