// Command e57 inspects, validates and exports e57 container files.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	e57 "github.com/logicossoftware/go-e57"
	"github.com/logicossoftware/go-e57/unpack"
)

const version = "0.1.0"

// CLI defines the command-line interface for e57.
var CLI struct {
	LogLevel  string `name:"log-level" default:"warn" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log format (text, json)"`

	Info     InfoCmd     `cmd:"" help:"Print the header and a summary of a file"`
	Dump     DumpCmd     `cmd:"" help:"Print the node tree"`
	Fields   FieldsCmd   `cmd:"" help:"Print the record layout of a packed vector"`
	Unpack   UnpackCmd   `cmd:"" help:"Export the records of a packed vector as CSV"`
	Validate ValidateCmd `cmd:"" help:"Verify checksums, tree invariants and payloads"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func open(path string, logger *slog.Logger) (*e57.File, error) {
	return e57.Open(path, e57.ModeRead, e57.WithLogger(logger))
}

func findPacked(f *e57.File, path string) (e57.Node, error) {
	n, ok := f.Find(path)
	if !ok {
		return e57.Node{}, fmt.Errorf("no node at %q", path)
	}
	if n.Kind() != e57.KindPackedVector {
		return e57.Node{}, fmt.Errorf("%s is a %v, not a CompressedVector", n.PathName(), n.Kind())
	}
	return n, nil
}

type InfoCmd struct {
	File string `arg:"" help:"Path to the e57 file" type:"existingfile"`
}

func (c *InfoCmd) Run(logger *slog.Logger) error {
	f, err := open(c.File, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	return printInfo(os.Stdout, f)
}

func printInfo(out io.Writer, f *e57.File) error {
	h := f.Header()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s\n", f.Path())
	fmt.Fprintf(tw, "version\t%d.%d\n", h.Major, h.Minor)
	fmt.Fprintf(tw, "guid\t%s\n", f.GUID())
	fmt.Fprintf(tw, "page size\t%d\n", h.PageSize)
	fmt.Fprintf(tw, "physical length\t%d\n", h.PhysicalLength)
	fmt.Fprintf(tw, "binary section\t%d +%d\n", h.BinaryOffset, h.BinaryLength)
	fmt.Fprintf(tw, "markup section\t%d +%d\n", h.MarkupOffset, h.MarkupLength)

	counts := map[e57.Kind]int{}
	var vectors []e57.Node
	err := e57.Walk(f.Root(), func(n e57.Node, _ int) error {
		counts[n.Kind()]++
		if n.Kind() == e57.KindPackedVector {
			vectors = append(vectors, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for k := e57.KindStructure; k <= e57.KindBlob; k++ {
		if counts[k] > 0 {
			fmt.Fprintf(tw, "%s nodes\t%d\n", k, counts[k])
		}
	}
	for _, v := range vectors {
		count, _ := v.RecordCount()
		fields, _ := v.Fields()
		fmt.Fprintf(tw, "records %s\t%d (%d fields)\n", v.PathName(), count, len(fields))
	}
	return tw.Flush()
}

type DumpCmd struct {
	File string `arg:"" help:"Path to the e57 file" type:"existingfile"`
	Path string `arg:"" optional:"" default:"/" help:"Subtree to print"`
}

func (c *DumpCmd) Run(logger *slog.Logger) error {
	f, err := open(c.File, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	n, ok := f.Find(c.Path)
	if !ok {
		return fmt.Errorf("no node at %q", c.Path)
	}
	w := bufio.NewWriter(os.Stdout)
	if err := dumpTree(w, n); err != nil {
		return err
	}
	return w.Flush()
}

func dumpTree(w io.Writer, root e57.Node) error {
	return e57.Walk(root, func(n e57.Node, depth int) error {
		name := n.ElementName()
		if depth == 0 {
			name = n.PathName()
		}
		_, err := fmt.Fprintf(w, "%s%s %s%s\n", strings.Repeat("  ", depth), name, n.Kind(), describe(n))
		return err
	})
}

func describe(n e57.Node) string {
	switch n.Kind() {
	case e57.KindInteger:
		v, _ := n.Int()
		lo, hi, _ := n.IntBounds()
		return fmt.Sprintf(" = %d [%d, %d]", v, lo, hi)
	case e57.KindScaledInteger:
		v, _ := n.Int()
		s, _ := n.ScaledValue()
		scale, offset, _ := n.Scaling()
		return fmt.Sprintf(" = %d (%g, scale %g offset %g)", v, s, scale, offset)
	case e57.KindFloat:
		v, _ := n.Float()
		p, _ := n.FloatPrecision()
		return fmt.Sprintf(" = %g (%s)", v, p)
	case e57.KindString:
		v, _ := n.StringValue()
		return fmt.Sprintf(" = %q", v)
	case e57.KindBlob:
		l, _ := n.BlobLength()
		return fmt.Sprintf(" (%d bytes)", l)
	case e57.KindPackedVector:
		count, _ := n.RecordCount()
		return fmt.Sprintf(" (%d records)", count)
	case e57.KindStructure, e57.KindVector:
		count, _ := n.ChildCount()
		return fmt.Sprintf(" (%d children)", count)
	}
	return ""
}

type FieldsCmd struct {
	File string `arg:"" help:"Path to the e57 file" type:"existingfile"`
	Path string `arg:"" help:"Path of the packed vector"`
}

func (c *FieldsCmd) Run(logger *slog.Logger) error {
	f, err := open(c.File, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := findPacked(f, c.Path)
	if err != nil {
		return err
	}
	return printFields(os.Stdout, n)
}

func printFields(out io.Writer, n e57.Node) error {
	fields, err := n.Fields()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tBITS\tRANGE")
	for _, fd := range fields {
		var bits, rng string
		switch fd.Kind {
		case e57.KindInteger:
			bits, rng = fmt.Sprint(fd.Bits), fmt.Sprintf("[%d, %d]", fd.Min, fd.Max)
		case e57.KindScaledInteger:
			bits, rng = fmt.Sprint(fd.Bits), fmt.Sprintf("[%d, %d] *%g %+g", fd.Min, fd.Max, fd.Scale, fd.Offset)
		case e57.KindFloat:
			bits, rng = fmt.Sprint(fd.Bits), fd.Precision.String()
		default:
			if fd.Variable() {
				bits, rng = "var", fmt.Sprintf("%d-bit length", fd.PrefixBits)
			} else {
				bits, rng = fmt.Sprint(fd.Bits), fmt.Sprintf("%d bytes", fd.FixedLength)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", fd.Name, fd.Kind, bits, rng)
	}
	return tw.Flush()
}

type UnpackCmd struct {
	File     string `arg:"" help:"Path to the e57 file" type:"existingfile"`
	Path     string `arg:"" help:"Path of the packed vector"`
	Output   string `short:"o" default:"-" help:"Output file (- for stdout)"`
	Compress string `short:"c" default:"none" enum:"none,zip,zstd,lz4,br" help:"Output compression"`
	Header   bool   `help:"Write field names as the first row"`
	Scaled   bool   `help:"Write scaled integers as scaled values"`
	Limit    uint64 `help:"Maximum number of records (0 for all)"`
}

func (c *UnpackCmd) Run(logger *slog.Logger) error {
	comp, err := unpack.ParseCompression(c.Compress)
	if err != nil {
		return err
	}
	f, err := open(c.File, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := findPacked(f, c.Path)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if c.Output != "-" {
		of, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer of.Close()
		out = of
	}
	bw := bufio.NewWriter(out)
	zw, err := unpack.NewWriter(bw, comp, "records.csv")
	if err != nil {
		return err
	}
	count, err := unpack.WriteCSV(zw, n, unpack.Options{Header: c.Header, Scaled: c.Scaled, Limit: c.Limit})
	if err != nil {
		_ = zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	logger.Info("unpacked records", "path", n.PathName(), "records", count, "compression", comp)
	return nil
}

type ValidateCmd struct {
	File string `arg:"" help:"Path to the e57 file" type:"existingfile"`
}

func (c *ValidateCmd) Run(logger *slog.Logger) error {
	f, err := open(c.File, logger)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := validateFile(f, logger); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

// validateFile reads every payload and blob, which verifies the checksum of
// every page they occupy.
func validateFile(f *e57.File, logger *slog.Logger) error {
	if err := f.Root().CheckInvariant(true); err != nil {
		return err
	}
	var records uint64
	var errs []error
	err := e57.Walk(f.Root(), func(n e57.Node, _ int) error {
		switch n.Kind() {
		case e57.KindPackedVector:
			if !n.IsAttached() {
				return nil
			}
			err := e57.WithReader(n, func(r *e57.Reader) error {
				for r.Next() {
					records++
				}
				return r.Err()
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", n.PathName(), err))
			}
		case e57.KindBlob:
			size, _ := n.BlobLength()
			buf := make([]byte, min(size, 1<<20))
			for off := uint64(0); off < size; {
				chunk := buf[:min(size-off, uint64(len(buf)))]
				if err := n.ReadBlob(chunk, off); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", n.PathName(), err))
					break
				}
				off += uint64(len(chunk))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("validated", "path", f.Path(), "records", records, "errors", len(errs))
	return errors.Join(errs...)
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("e57 version %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("e57"),
		kong.Description("Inspect, validate and export e57 container files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	logger := newLogger(CLI.LogLevel, CLI.LogFormat, os.Stderr)
	err := ctx.Run(logger)
	ctx.FatalIfErrorf(err)
}
