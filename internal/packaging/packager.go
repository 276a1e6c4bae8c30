// Package packaging classifies rewritten hands into per-table output files
// and bundles them into deflate archives. A table's file is resolved only
// when every one of its hands validated clean; otherwise the table ships as
// fallado with its unresolved anon IDs listed in a header comment.
package packaging

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/flate"

	"github.com/pokerforge/unmask/internal/fileutil"
	"github.com/pokerforge/unmask/internal/validate"
)

// ErrUnvalidated marks an attempt to package a hand whose validator result
// was never recorded. Packaging refuses rather than guessing a class.
var ErrUnvalidated = errors.New("hand has no validation result")

// ErrArchive marks a failed archive write or post-write verification. It
// fails the job; the per-table files are retained for inspection.
var ErrArchive = errors.New("archive verification failed")

// HandOutput is one hand ready for packaging: its rewritten text (or the
// original text when no mapping applied) plus the validator's verdict.
type HandOutput struct {
	HandID string
	Table  string // normalized table key
	Text   string
	Result *validate.Result
}

// TableFile describes one written per-table output file.
type TableFile struct {
	Table       string
	Path        string
	Clean       bool
	HandCount   int
	ResidualIDs []string
}

// Packager writes per-table files and archives.
type Packager struct {
	logger *log.Logger
}

// New creates a Packager.
func New(logger *log.Logger) *Packager {
	return &Packager{logger: logger.With("component", "packager")}
}

// WriteTableFiles writes one output file per table under dir and returns the
// written files sorted by table name. Every input hand lands in exactly one
// file; the function verifies that count before returning.
func (p *Packager) WriteTableFiles(dir string, hands []HandOutput) ([]TableFile, error) {
	for _, h := range hands {
		if h.Result == nil {
			return nil, fmt.Errorf("%w: hand %s", ErrUnvalidated, h.HandID)
		}
	}

	byTable := make(map[string][]HandOutput)
	for _, h := range hands {
		byTable[h.Table] = append(byTable[h.Table], h)
	}
	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var files []TableFile
	written := 0
	for _, table := range tables {
		group := byTable[table]
		tf, err := p.writeTableFile(dir, table, group)
		if err != nil {
			return nil, err
		}
		files = append(files, tf)
		written += tf.HandCount
	}

	if written != len(hands) {
		return nil, fmt.Errorf("hand count mismatch: %d in, %d written", len(hands), written)
	}
	return files, nil
}

func (p *Packager) writeTableFile(dir, table string, hands []HandOutput) (TableFile, error) {
	clean := true
	residualSet := make(map[string]bool)
	for _, h := range hands {
		if !h.Result.Clean() {
			clean = false
		}
		for _, id := range h.Result.ResidualIDs {
			residualSet[id] = true
		}
	}
	residuals := make([]string, 0, len(residualSet))
	for id := range residualSet {
		residuals = append(residuals, id)
	}
	sort.Strings(residuals)

	var b strings.Builder
	if !clean {
		b.WriteString("# INCOMPLETE: unresolved anon IDs: ")
		if len(residuals) == 0 {
			b.WriteString("none (validation failure)")
		} else {
			b.WriteString(strings.Join(residuals, ", "))
		}
		b.WriteString("\n\n")
	}
	for i, h := range hands {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimRight(h.Text, "\n"))
		b.WriteString("\n")
	}

	name := safeFilename(table)
	if clean {
		name += "_resolved.txt"
	} else {
		name += "_fallado.txt"
	}
	path := filepath.Join(dir, name)
	if err := fileutil.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return TableFile{}, fmt.Errorf("write table file %s: %w", path, err)
	}

	p.logger.Info("wrote table file",
		"table", table, "path", path, "clean", clean, "hands", len(hands))

	return TableFile{
		Table:       table,
		Path:        path,
		Clean:       clean,
		HandCount:   len(hands),
		ResidualIDs: residuals,
	}, nil
}

var unsafeFilenameRe = regexp.MustCompile(`[^\w.-]+`)

// safeFilename flattens a table name into something every filesystem and
// archive reader accepts.
func safeFilename(table string) string {
	name := unsafeFilenameRe.ReplaceAllString(table, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "table"
	}
	return name
}

// Archive bundles the given files into a deflate archive at path and
// verifies the result by reopening it and walking every entry. Returns
// ErrArchive if the written archive cannot be fully read back.
func (p *Packager) Archive(path string, files []TableFile) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: nothing to archive at %s", ErrArchive, path)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	names := make([]string, 0, len(files))
	for _, f := range files {
		name := filepath.Base(f.Path)
		names = append(names, name)
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		})
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("archive entry %s: %w", name, err)
		}
		src, err := os.Open(f.Path)
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("open %s: %w", f.Path, err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("compress %s: %w", f.Path, err)
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize archive %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive %s: %w", path, err)
	}

	if err := p.verifyArchive(path, names); err != nil {
		return err
	}

	p.logger.Info("wrote archive", "path", path, "entries", len(files))
	return nil
}

// verifyArchive reopens the archive and decompresses every entry. Cost is
// trivial next to the OCR spend and catches truncated writes before the
// operator downloads a corrupt bundle.
func (p *Packager) verifyArchive(path string, expected []string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrArchive, path, err)
	}
	defer r.Close()

	seen := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: entry %s: %v", ErrArchive, path, f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: entry %s: %v", ErrArchive, path, f.Name, err)
		}
		seen[f.Name] = true
	}
	for _, name := range expected {
		if !seen[name] {
			return fmt.Errorf("%w: %s: entry %s missing", ErrArchive, path, name)
		}
	}
	return nil
}
