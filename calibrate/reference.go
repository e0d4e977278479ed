package calibrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/oceangenomics/abundance/encoding/fasta"
)

// Average masses (g/mol) of single-stranded DNA nucleotide monomers, and of
// the water lost for each phosphodiester bond.
const (
	massA     = 331.2218
	massC     = 307.1971
	massG     = 347.2212
	massT     = 322.2085
	massWater = 18.0153
)

// ReferenceContigs is the number of contigs the spike-in reference must
// carry: one chromosome and one plasmid.
const ReferenceContigs = 2

// Reference holds the physical constants of the spike-in genome. It is
// computed once per run.
type Reference struct {
	// Length is the total number of bases over all contigs.
	Length int
	// MolecularWeight is the summed single-stranded molecular weight (g/mol).
	MolecularWeight float64
}

// MolecularWeight returns the single-stranded DNA molecular weight of seq.
// Case is ignored; any base other than A, C, G and T is an error.
func MolecularWeight(seq string) (float64, error) {
	if len(seq) == 0 {
		return 0, nil
	}
	var w float64
	for i := 0; i < len(seq); i++ {
		switch seq[i] {
		case 'A', 'a':
			w += massA
		case 'C', 'c':
			w += massC
		case 'G', 'g':
			w += massG
		case 'T', 't':
			w += massT
		default:
			return 0, errors.E(errors.Invalid, fmt.Sprintf("base %q at position %d is not a valid unambiguous DNA base", seq[i], i))
		}
	}
	return w - float64(len(seq)-1)*massWater, nil
}

// NewReference computes the reference constants from its contigs. Anything
// other than exactly ReferenceContigs contigs is a precondition failure.
func NewReference(contigs []fasta.Contig) (Reference, error) {
	if len(contigs) != ReferenceContigs {
		names := make([]string, len(contigs))
		for i, c := range contigs {
			names[i] = c.Name
		}
		return Reference{}, errors.E(errors.Precondition,
			fmt.Sprintf("spike-in reference must have %d contigs, found %d [%s]",
				ReferenceContigs, len(contigs), strings.Join(names, ", ")))
	}
	var ref Reference
	for _, c := range contigs {
		mw, err := MolecularWeight(c.Seq)
		if err != nil {
			return Reference{}, errors.E(err, "contig", c.Name)
		}
		ref.Length += c.Len()
		ref.MolecularWeight += mw
	}
	if ref.Length == 0 {
		return Reference{}, errors.E(errors.Precondition, "spike-in reference is empty")
	}
	return ref, nil
}

// ReferenceFromFasta reads the spike-in reference FASTA at path.
func ReferenceFromFasta(ctx context.Context, path string) (Reference, error) {
	contigs, err := fasta.Load(ctx, path)
	if err != nil {
		return Reference{}, err
	}
	ref, err := NewReference(contigs)
	if err != nil {
		return Reference{}, errors.E(err, path)
	}
	log.Printf("calibrate: reference %s: length %d, molecular weight %g", path, ref.Length, ref.MolecularWeight)
	return ref, nil
}
