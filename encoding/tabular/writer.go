package tabular

import (
	"context"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
)

var checksumKey [32]byte

// Writer writes one TSV table to a file. Paths ending in ".gz" are gzip
// compressed. The checksum covers the uncompressed bytes, so a table has the
// same checksum whether or not it was compressed.
type Writer struct {
	path  string
	out   file.File
	gz    *gzip.Writer
	tsvw  *tsv.Writer
	sum   hash.Hash64
	width int
	rows  int
}

// Create opens path for writing.
func Create(ctx context.Context, path string) (*Writer, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create", path)
	}
	sum, err := highwayhash.New64(checksumKey[:])
	if err != nil {
		return nil, err
	}
	w := &Writer{path: path, out: out, sum: sum}
	var dst io.Writer = out.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		w.gz = gzip.NewWriter(dst)
		dst = w.gz
	}
	w.tsvw = tsv.NewWriter(io.MultiWriter(dst, sum))
	return w, nil
}

// WriteHeader writes the header row. It fixes the width of every later row.
func (w *Writer) WriteHeader(cols ...string) error {
	w.width = len(cols)
	return w.write(cols)
}

// WriteRow writes one data row.
func (w *Writer) WriteRow(fields ...string) error {
	if w.width != 0 && len(fields) != w.width {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: row has %d fields, header has %d", w.path, len(fields), w.width))
	}
	if err := w.write(fields); err != nil {
		return err
	}
	w.rows++
	return nil
}

func (w *Writer) write(fields []string) error {
	for _, f := range fields {
		w.tsvw.WriteString(f)
	}
	return w.tsvw.EndLine()
}

// Rows returns the number of data rows written so far.
func (w *Writer) Rows() int { return w.rows }

// Checksum returns the hex highwayhash-64 of the bytes written so far. Only
// meaningful after Close.
func (w *Writer) Checksum() string { return fmt.Sprintf("%016x", w.sum.Sum64()) }

// Close flushes and closes the file.
func (w *Writer) Close(ctx context.Context) (err error) {
	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	setErr(w.tsvw.Flush())
	if w.gz != nil {
		setErr(w.gz.Close())
	}
	setErr(w.out.Close(ctx))
	if err != nil {
		err = errors.E(err, "close", w.path)
	}
	return
}

// Written describes a table that has been written to disk.
type Written struct {
	Path     string
	Rows     int
	Checksum string
}

// Write writes t to path.
func Write(ctx context.Context, path string, t *Table) (Written, error) {
	w, err := Create(ctx, path)
	if err != nil {
		return Written{}, err
	}
	if err = w.WriteHeader(t.Header...); err == nil {
		for _, row := range t.Rows {
			if err = w.WriteRow(row...); err != nil {
				break
			}
		}
	}
	if e := w.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return Written{}, err
	}
	return Written{Path: path, Rows: w.Rows(), Checksum: w.Checksum()}, nil
}
