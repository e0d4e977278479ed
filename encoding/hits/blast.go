package hits

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// blastRow is one line of BLAST -outfmt 6 output. Only the read name, percent
// identity and alignment length are used.
type blastRow struct {
	Read            string
	Subject         string
	PercentIdentity float64
	Length          int
	Mismatch        int
	GapOpen         int
	QStart          int
	QEnd            int
	SStart          int
	SEnd            int
	EValue          float64
	BitScore        float64
}

// ParseBLAST reads BLAST tabular hits from r. name is used in error messages.
func ParseBLAST(r io.Reader, name string) ([]Hit, error) {
	tr := tsv.NewReader(bufio.NewReaderSize(r, 64<<10))
	tr.Comment = '#'
	var (
		row  blastRow
		hits []Hit
	)
	for {
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, name)
		}
		hits = append(hits, Hit{Read: row.Read, PercentIdentity: row.PercentIdentity, Length: row.Length})
	}
	return hits, nil
}

// ReadBLAST reads a BLAST tabular file, decompressing it if needed.
func ReadBLAST(ctx context.Context, path string) (hits []Hit, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return ParseBLAST(r, path)
}
