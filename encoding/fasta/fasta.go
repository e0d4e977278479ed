// Package fasta parses small FASTA files, such as spike-in reference genomes,
// fully into memory. FASTA files consist of a number of named sequences that
// may be interrupted by newlines. For example:
//
// >chromosome
// ACGTAC
// GAGGAC
// >plasmid
// ACGT
//
// Note: Sequence names are defined to be the stretch of characters excluding
// spaces immediately after '>'.  Any text appear after a space are ignored.
// For example, '>NC_006461.1 Thermus thermophilus HB8 chromosome' becomes
// 'NC_006461.1'.
package fasta

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const maxLineLen = 1024 * 1024 * 300 // 300 MB

// Contig is one named sequence of a FASTA file.
type Contig struct {
	Name string
	Seq  string
}

// Len returns the number of bases in the contig.
func (c Contig) Len() int { return len(c.Seq) }

// Parse reads all contigs from r, in the order of appearance.
func Parse(r io.Reader) ([]Contig, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineLen)
	var (
		contigs []Contig
		name    string
		started bool
		seq     strings.Builder
	)
	flush := func() {
		if started {
			contigs = append(contigs, Contig{Name: name, Seq: seq.String()})
			seq.Reset()
		}
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' { // Start a new sequence.
			flush()
			name = strings.Split(line[1:], " ")[0]
			started = true
			continue
		}
		if !started {
			return nil, errors.Errorf("malformed FASTA file: sequence data before the first header")
		}
		seq.WriteString(line)
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "couldn't read FASTA data")
	}
	flush()
	if len(contigs) == 0 {
		return nil, errors.Errorf("empty FASTA file")
	}
	return contigs, nil
}

// Load reads the FASTA file at path. Compressed files are decompressed
// transparently.
func Load(ctx context.Context, path string) (contigs []Contig, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
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
	if contigs, err = Parse(r); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return contigs, nil
}
