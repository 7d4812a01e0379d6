package sumstats

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/variant"
	"gopkg.in/guregu/null.v3"
)

// BadLine describes a row that was excluded because it could not be parsed.
// Line is the 1-based line number in the input, counting header rows.
type BadLine struct {
	Line   int
	Reason string
}

// Scanner reads variants from a delimited summary-statistics stream.  Rows
// that fail to parse are skipped and recorded; once more than
// Opts.MaxBadLines rows have been skipped the scan stops with a
// TooManyBadLines error.  Scanners are not threadsafe.
type Scanner struct {
	opts   Opts
	r      *bufio.Reader
	buf    []byte
	delim  string
	line   int
	fields []string
	bad    []BadLine
	nBad   int
	err    error

	// OnBadLine, if set, is called for every skipped row.
	OnBadLine func(BadLine)
}

// maxLineLen bounds a single input row.  Longer rows are skipped as bad
// lines.
const maxLineLen = 1 << 20

// NewScanner constructs a Scanner over r.  If opts.Delimiter is empty, the
// delimiter is guessed from the first lines of r.
func NewScanner(r io.Reader, opts Opts) (*Scanner, error) {
	if err := opts.Check(); err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(r, 64<<10)
	delim := opts.Delimiter
	if delim == "" {
		head, _ := br.Peek(16 << 10)
		delim = DetectDelimiter(head)
		log.Debug.Printf("sumstats: guessed delimiter %q", delim)
	}
	return &Scanner{opts: opts, r: br, delim: delim}, nil
}

// DetectDelimiter guesses the field delimiter of the given sample, falling
// back to a tab.
func DetectDelimiter(sample []byte) string {
	// Drop a trailing partial line so it doesn't skew the guess.
	if i := bytes.LastIndexByte(sample, '\n'); i > 0 {
		sample = sample[:i+1]
	}
	d := detector.New()
	if candidates := d.DetectDelimiter(bytes.NewReader(sample), '"'); len(candidates) > 0 {
		return candidates[0]
	}
	return "\t"
}

// Scan parses the next valid row into v.  It returns false at the end of the
// input or on a fatal error; check Err afterwards.
func (s *Scanner) Scan(v *variant.Variant) bool {
	if s.err != nil {
		return false
	}
	for {
		line, tooLong, err := s.readLine()
		if err == io.EOF {
			return false
		}
		if err != nil {
			s.err = err
			return false
		}
		s.line++
		if s.line <= s.opts.SkipRows {
			continue
		}
		if tooLong {
			s.reject(BadLine{Line: s.line, Reason: fmt.Sprintf("line is longer than %d bytes", maxLineLen)})
			if s.err != nil {
				return false
			}
			continue
		}
		text := strings.TrimRight(string(line), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.fields = splitInto(s.fields[:0], text, s.delim)
		err = ParseFields(s.fields, &s.opts, v)
		if err == nil {
			return true
		}
		s.reject(BadLine{Line: s.line, Reason: err.Error()})
		if s.err != nil {
			return false
		}
	}
}

// readLine returns the next line without its newline.  A line longer than
// maxLineLen is consumed whole but not returned, and tooLong is set.  The
// line is valid until the next call.
func (s *Scanner) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	for {
		chunk, err := s.r.ReadSlice('\n')
		n := len(chunk)
		if n > 0 && chunk[n-1] == '\n' {
			n--
		}
		if !tooLong {
			if len(s.buf)+n > maxLineLen {
				tooLong = true
				s.buf = s.buf[:0]
			} else {
				s.buf = append(s.buf, chunk[:n]...)
			}
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF:
			if len(chunk) == 0 && len(s.buf) == 0 && !tooLong {
				return nil, false, io.EOF
			}
			return s.buf, tooLong, nil
		case err != nil:
			return nil, false, err
		}
		return s.buf, tooLong, nil
	}
}

func (s *Scanner) reject(b BadLine) {
	s.nBad++
	if s.OnBadLine != nil {
		s.OnBadLine(b)
	}
	if len(s.bad) <= s.opts.MaxBadLines {
		s.bad = append(s.bad, b)
	}
	if s.nBad > s.opts.MaxBadLines {
		s.err = ingesterr.E(ingesterr.TooManyBadLines,
			"Too many lines could not be parsed (%d, limit %d); last failure at line %d: %s",
			s.nBad, s.opts.MaxBadLines, b.Line, b.Reason)
	}
}

// Err returns the first fatal error encountered, or nil at a clean end of
// input.
func (s *Scanner) Err() error { return s.err }

// BadLines returns the rows skipped so far.
func (s *Scanner) BadLines() []BadLine { return s.bad }

// NumBadLines returns how many rows were skipped.
func (s *Scanner) NumBadLines() int { return s.nBad }

// Line returns the line number of the most recently read row.
func (s *Scanner) Line() int { return s.line }

func splitInto(dst []string, s, sep string) []string {
	for {
		i := strings.Index(s, sep)
		if i < 0 {
			return append(dst, s)
		}
		dst = append(dst, s[:i])
		s = s[i+len(sep):]
	}
}

func field(fields []string, col int) string {
	return strings.TrimSpace(fields[col-1])
}

// ParseFields maps one split row onto v according to opts.
func ParseFields(fields []string, opts *Opts, v *variant.Variant) error {
	if len(fields) < opts.maxCol() {
		return fmt.Errorf("expected at least %d columns, found %d", opts.maxCol(), len(fields))
	}
	chrom := variant.NormalizeChrom(field(fields, opts.ChromCol))
	if chrom == "" {
		return fmt.Errorf("empty chromosome")
	}
	pos, err := strconv.ParseUint(field(fields, opts.PosCol), 10, 32)
	if err != nil {
		return fmt.Errorf("position must be a positive integer: %q", field(fields, opts.PosCol))
	}
	if pos == 0 {
		return fmt.Errorf("position must be 1-based, got 0")
	}
	ref := strings.ToUpper(field(fields, opts.RefCol))
	alt := strings.ToUpper(field(fields, opts.AltCol))
	if ref == "" || alt == "" {
		return fmt.Errorf("missing ref or alt allele")
	}
	raw := field(fields, opts.PValueCol)
	x, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("p-value is not a number: %q", raw)
	}
	sig := variant.PValue(x)
	if opts.IsNegLogPValue {
		sig = variant.NegLogPValue(x)
	}
	if err := sig.Check(); err != nil {
		return err
	}

	*v = variant.Variant{
		Chrom: chrom,
		Pos:   uint32(pos),
		Ref:   ref,
		Alt:   alt,
		Sig:   sig,
	}
	optional := []struct {
		name string
		col  int
		dst  *null.Float
	}{
		{"beta", opts.BetaCol, &v.Beta},
		{"stderr", opts.StdErrCol, &v.StdErr},
		{"allele frequency", opts.AlleleFreqCol, &v.AltFreq},
		{"allele count", opts.AlleleCountCol, &v.AlleleCount},
	}
	for _, o := range optional {
		if o.col == 0 {
			continue
		}
		f, err := parseOptional(field(fields, o.col))
		if err != nil {
			return fmt.Errorf("%s: %v", o.name, err)
		}
		*o.dst = f
	}
	if v.AltFreq.Valid && (v.AltFreq.Float64 < 0 || v.AltFreq.Float64 > 1) {
		return fmt.Errorf("allele frequency must be in [0, 1], got %v", v.AltFreq.Float64)
	}
	return nil
}

// parseOptional treats the usual missing-value spellings as null.
func parseOptional(s string) (null.Float, error) {
	switch strings.ToUpper(s) {
	case "", ".", "NA", "NAN", "NULL":
		return null.Float{}, nil
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return null.Float{}, fmt.Errorf("not a number: %q", s)
	}
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return null.Float{}, fmt.Errorf("not a finite number: %q", s)
	}
	return null.FloatFrom(x), nil
}
