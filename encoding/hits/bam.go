package hits

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

var nmTag = sam.NewTag("NM")

// alignmentHit converts a mapped record to a Hit. Alignment length counts
// M/=/X/I/D cigar operations, as BLAST does; identity is (length - NM) / length.
// Unmapped records and records without an NM tag report ok=false.
func alignmentHit(rec *sam.Record) (h Hit, ok bool) {
	if rec.Flags&sam.Unmapped != 0 {
		return h, false
	}
	length := 0
	for _, co := range rec.Cigar {
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarInsertion, sam.CigarDeletion:
			length += co.Len()
		}
	}
	aux := rec.AuxFields.Get(nmTag)
	if length == 0 || aux == nil {
		return h, false
	}
	var nm int
	switch v := aux.Value().(type) {
	case int8:
		nm = int(v)
	case uint8:
		nm = int(v)
	case int16:
		nm = int(v)
	case uint16:
		nm = int(v)
	case int32:
		nm = int(v)
	case uint32:
		nm = int(v)
	default:
		return h, false
	}
	return Hit{
		Read:            rec.Name,
		PercentIdentity: 100 * float64(length-nm) / float64(length),
		Length:          length,
	}, true
}

// ReadBAM reads the mapped records of a BAM file as hits. Secondary and
// supplementary alignments are kept and compete with the primary one.
func ReadBAM(ctx context.Context, path string) (hits []Hit, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	br, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	defer func() {
		if e := br.Close(); e != nil && err == nil {
			err = e
		}
	}()
	for {
		rec, e := br.Read()
		if e == io.EOF {
			break
		}
		if e != nil {
			return nil, errors.E(errors.Invalid, e, path)
		}
		if h, ok := alignmentHit(rec); ok {
			hits = append(hits, h)
		}
	}
	return hits, nil
}
