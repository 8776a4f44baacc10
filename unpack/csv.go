// Package unpack exports the records of a packed vector as CSV, optionally
// wrapped in a compressed stream.
package unpack

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	e57 "github.com/logicossoftware/go-e57"
)

// Options controls WriteCSV.
type Options struct {
	Header bool   // first row holds the field names
	Scaled bool   // write ScaledInteger fields as raw*scale+offset
	Limit  uint64 // stop after this many records; 0 means all
}

// WriteCSV writes one row per record of the packed vector n and returns the
// number of records written. Blob fields are hex encoded.
func WriteCSV(w io.Writer, n e57.Node, opts Options) (uint64, error) {
	fields, err := n.Fields()
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	row := make([]string, len(fields))
	if opts.Header {
		for i, fd := range fields {
			row[i] = fd.Name
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	var count uint64
	err = e57.WithReader(n, func(r *e57.Reader) error {
		for (opts.Limit == 0 || count < opts.Limit) && r.Next() {
			rec := r.Record()
			for i := range fields {
				s, err := formatValue(&fields[i], rec[i], opts.Scaled)
				if err != nil {
					return fmt.Errorf("record %d: %w", count, err)
				}
				row[i] = s
			}
			if err := cw.Write(row); err != nil {
				return err
			}
			count++
		}
		return r.Err()
	})
	if err != nil {
		return count, err
	}
	cw.Flush()
	return count, cw.Error()
}

func formatValue(fd *e57.Field, v any, scaled bool) (string, error) {
	switch x := v.(type) {
	case int64:
		if scaled && fd.Kind == e57.KindScaledInteger {
			return strconv.FormatFloat(fd.ScaledValue(x), 'g', -1, 64), nil
		}
		return strconv.FormatInt(x, 10), nil
	case float64:
		bitSize := 64
		if fd.Precision == e57.PrecisionSingle {
			bitSize = 32
		}
		return strconv.FormatFloat(x, 'g', -1, bitSize), nil
	case string:
		return x, nil
	case []byte:
		return hex.EncodeToString(x), nil
	}
	return "", fmt.Errorf("field %q: unexpected value %T", fd.Name, v)
}
