package variant

import (
	"bytes"
	"math"
	"strconv"

	"gopkg.in/guregu/null.v3"
)

// Float is a float64 whose JSON encoding spells infinities as the strings
// "Infinity" and "-Infinity", since JSON has no numeric infinity.  Browsers
// coerce these strings back into the right number.
type Float float64

var (
	posInf = []byte(`"Infinity"`)
	negInf = []byte(`"-Infinity"`)
)

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	x := float64(f)
	switch {
	case math.IsInf(x, 1):
		return posInf, nil
	case math.IsInf(x, -1):
		return negInf, nil
	case math.IsNaN(x):
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, x, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, posInf):
		*f = Float(math.Inf(1))
		return nil
	case bytes.Equal(b, negInf):
		*f = Float(math.Inf(-1))
		return nil
	case bytes.Equal(b, []byte("null")):
		*f = Float(math.NaN())
		return nil
	}
	x, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = Float(x)
	return nil
}

// Record is the plain JSON form of a Variant, used by region queries and the
// exact points of the Manhattan plot.
type Record struct {
	Chrom       string     `json:"chrom"`
	Pos         uint32     `json:"pos"`
	Ref         string     `json:"ref"`
	Alt         string     `json:"alt"`
	NegLogP     Float      `json:"neg_log_pvalue"`
	PValue      Float      `json:"pvalue"`
	Beta        null.Float `json:"beta"`
	StdErr      null.Float `json:"stderr_beta"`
	AltFreq     null.Float `json:"alt_allele_freq"`
	AlleleCount null.Float `json:"allele_count"`
}

// Record converts v into its JSON form.
func (v *Variant) Record() Record {
	return Record{
		Chrom:       v.Chrom,
		Pos:         v.Pos,
		Ref:         v.Ref,
		Alt:         v.Alt,
		NegLogP:     Float(v.Sig.NegLogP()),
		PValue:      Float(v.Sig.P()),
		Beta:        v.Beta,
		StdErr:      v.StdErr,
		AltFreq:     v.AltFreq,
		AlleleCount: v.AlleleCount,
	}
}
