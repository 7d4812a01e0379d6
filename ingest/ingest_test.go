package ingest

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/manhattan"
	"github.com/grailbio/gwas/qq"
	"github.com/grailbio/gwas/variant"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "#chrom\tpos\tref\talt\tpvalue\n"

func writeInput(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "upload.txt")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func readLog(t *testing.T, d WorkDir) string {
	b, err := ioutil.ReadFile(d.Log())
	require.NoError(t, err)
	return string(b)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestEndToEnd(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	input := writeInput(t, tmp, header+
		"1\t100\tA\tC\t0.5\n"+
		"1\t200\tA\tG\t0.01\n"+
		"1\t300\tG\tT\t1e-9\n"+
		"1\t400\tC\tT\t0.3\n"+
		"1\t500\tT\tA\t0.2\n")
	dir, err := NewWorkDir(filepath.Join(tmp, "work"))
	require.NoError(t, err)

	res, err := Run(ctx, dir, input, DefaultOpts)
	require.NoError(t, err)
	require.True(t, res.OK(), "%v", res.Failures)
	assert.Equal(t, 5, res.Rows)
	assert.Equal(t, 0, res.NumBadLines)
	assert.Equal(t, sumstats.Text, res.Format)
	assert.Len(t, res.SHA256, 64)

	r, err := store.Open(ctx, res.Store)
	require.NoError(t, err)
	vs, err := r.Fetch(ctx, "1", 1, 1000)
	require.NoError(t, err)
	require.Len(t, vs, 5)
	for i, v := range vs {
		assert.Equal(t, uint32(100*(i+1)), v.Pos)
	}

	require.NotNil(t, res.TopHit)
	assert.Equal(t, uint32(300), res.TopHit.Pos)
	assert.Equal(t, uint32(1), res.TopHit.ViewStart)
	assert.Equal(t, uint32(250300), res.TopHit.ViewEnd)

	b, err := ioutil.ReadFile(res.Manhattan)
	require.NoError(t, err)
	var m manhattan.Result
	require.NoError(t, json.Unmarshal(b, &m))
	var peaks []uint32
	for _, p := range m.UnbinnedVariants {
		if p.Peak {
			peaks = append(peaks, p.Pos)
		}
	}
	assert.Equal(t, []uint32{300}, peaks)
	assert.Len(t, m.UnbinnedVariants, 5)

	b, err = ioutil.ReadFile(res.QQ)
	require.NoError(t, err)
	var q qq.Result
	require.NoError(t, json.Unmarshal(b, &q))
	require.NotNil(t, q.Overall)
	assert.Equal(t, 5, q.Overall.Count)
	assert.NotNil(t, q.Overall.QQ)

	l := readLog(t, dir)
	for stage, title := range stageTitles {
		if stage == StageOptions {
			assert.NotContains(t, l, title)
			continue
		}
		assert.Contains(t, l, "Performing upload step: "+title)
	}
	assert.Equal(t, 5, strings.Count(l, "Step completed"))
	assert.NotContains(t, l, "[failure]")
}

func TestMalformedRow(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeInput(t, tmp, header+
		"1\t100\tA\tC\t0.5\n"+
		"1\t200\tA\tC\tnot-a-pvalue\n"+
		"1\t300\tA\tC\t0.01\n")
	dir, err := NewWorkDir(tmp)
	require.NoError(t, err)

	res, err := Run(context.Background(), dir, input, DefaultOpts)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 1, res.NumBadLines)
	require.Len(t, res.BadLines, 1)
	assert.Equal(t, 3, res.BadLines[0].Line)
	assert.Contains(t, readLog(t, dir), "Excluded row 3 from output due to parse error: p-value is not a number")
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"chromosome", header + "1\t1\tA\tC\t0.5\nRS1234\t5\tA\tC\t0.5\n", "RS1234"},
		{"unsorted", header + "1\t10\tA\tC\t0.5\n1\t5\tA\tC\t0.5\n", "1:5 follows 1:10"},
		{"noncontiguous", header + "1\t10\tA\tC\t0.5\n2\t5\tA\tC\t0.5\n1\t20\tA\tC\t0.5\n", "contiguous"},
		{"empty", header, "at least one row"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp, cleanup := testutil.TempDir(t, "", "")
			defer cleanup()
			dir, err := NewWorkDir(tmp)
			require.NoError(t, err)
			res, err := Run(context.Background(), dir, writeInput(t, tmp, tt.input), DefaultOpts)
			require.Error(t, err)
			f, ok := err.(*Failure)
			require.True(t, ok, "%T", err)
			assert.Equal(t, StageNormalize, f.Stage)
			assert.Equal(t, ingesterr.ValidationFailed, f.Code)
			assert.Contains(t, f.Reason, tt.msg)
			assert.True(t, ingesterr.Is(ingesterr.ValidationFailed, err))
			assert.Empty(t, res.Store)
			assert.False(t, exists(dir.Store()))
			assert.False(t, exists(dir.Manhattan()))

			l := readLog(t, dir)
			assert.Contains(t, l, "Could not create normalized GWAS file.")
			assert.Contains(t, l, "An error prevented this step from completing\n"+f.Reason)
		})
	}
}

func TestUnsupportedFormat(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	dir, err := NewWorkDir(tmp)
	require.NoError(t, err)
	input := filepath.Join(tmp, "blob")
	require.NoError(t, ioutil.WriteFile(input, []byte{0, 1, 2, 3, 0xff, 0xfe, 0}, 0644))
	_, err = Run(context.Background(), dir, input, DefaultOpts)
	expect.True(t, ingesterr.Is(ingesterr.UnsupportedFormat, err))
}

func TestMissingInput(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	dir, err := NewWorkDir(tmp)
	require.NoError(t, err)
	_, err = Run(context.Background(), dir, filepath.Join(tmp, "nope"), DefaultOpts)
	require.Error(t, err)
	f := err.(*Failure)
	assert.Equal(t, StageHash, f.Stage)
	assert.Equal(t, ingesterr.Unexpected, f.Code)
	assert.Equal(t, "An unexpected error has occurred", f.Reason)
}

func TestDerivedFailureKeepsStore(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	// AF says 0.1 but AC/2N says 0.5.
	input := writeInput(t, tmp, "#chrom\tpos\tref\talt\tpvalue\taf\tac\n"+
		"1\t100\tA\tC\t0.5\t0.1\t100\n"+
		"1\t200\tA\tC\t0.01\t0.1\t20\n")
	opts := DefaultOpts
	opts.Parser.AlleleFreqCol = 6
	opts.Parser.AlleleCountCol = 7
	opts.QQ.NumSamples = 100
	dir, err := NewWorkDir(tmp)
	require.NoError(t, err)

	res, err := Run(context.Background(), dir, input, opts)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageQQ, res.Failures[0].Stage)
	assert.Equal(t, ingesterr.ValidationFailed, res.Failures[0].Code)
	assert.Empty(t, res.QQ)
	assert.False(t, exists(dir.QQ()))
	assert.NotEmpty(t, res.Manhattan)
	assert.NotNil(t, res.TopHit)
	assert.True(t, exists(res.Store))
}

func TestFindTopHit(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(tmp, "s.gz")

	w, err := store.Create(ctx, path, store.WriteOpts{NegLog: true})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	r, err := store.Open(ctx, path)
	require.NoError(t, err)
	_, err = FindTopHit(ctx, r)
	assert.True(t, ingesterr.Is(ingesterr.NoTopHit, err))

	w, err = store.Create(ctx, path, store.WriteOpts{NegLog: true})
	require.NoError(t, err)
	for _, v := range []variant.Variant{
		{Chrom: "1", Pos: 10, Ref: "A", Alt: "C", Sig: variant.NegLogPValue(3)},
		{Chrom: "2", Pos: 600000, Ref: "A", Alt: "C", Sig: variant.NegLogPValue(8)},
		{Chrom: "2", Pos: 700000, Ref: "A", Alt: "C", Sig: variant.NegLogPValue(8)},
	} {
		v := v
		require.NoError(t, w.Append(&v))
	}
	require.NoError(t, w.Close())
	r, err = store.Open(ctx, path)
	require.NoError(t, err)
	hit, err := FindTopHit(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "2", hit.Chrom)
	assert.Equal(t, uint32(600000), hit.Pos)
	assert.Equal(t, uint32(350000), hit.ViewStart)
	assert.Equal(t, uint32(850000), hit.ViewEnd)
}

func TestStepLog(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmp, "log")
	l, err := OpenStepLog(path)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2020, 1, 2, 3, 4, 5, 6000, time.FixedZone("x", 3600)) }
	l.Start("Calculate SHA256").Success()
	s := l.Start("Normalize GWAS file format")
	s.Excluded(sumstats.BadLine{Line: 7, Reason: "bad"})
	s.Failure(ingesterr.E(ingesterr.ValidationFailed, "nope"))

	// Overlapping steps are written whole, in the order they end.
	a := l.Start("QQ plots")
	b := l.Start("Top hit detection")
	b.Note("note")
	b.Success()
	a.Failure(ingesterr.E(ingesterr.ValidationFailed, "bad maf"))
	require.NoError(t, l.Close())

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[ingest][2020-01-02T02:04:05Z] Performing upload step: Calculate SHA256\n"+
		"[success][2020-01-02T02:04:05Z] Step completed\n"+
		"[ingest][2020-01-02T02:04:05Z] Performing upload step: Normalize GWAS file format\n"+
		"Excluded row 7 from output due to parse error: bad\n"+
		"[failure][2020-01-02T02:04:05Z] An error prevented this step from completing\n"+
		"nope\n"+
		"[ingest][2020-01-02T02:04:05Z] Performing upload step: Top hit detection\n"+
		"note\n"+
		"[success][2020-01-02T02:04:05Z] Step completed\n"+
		"[ingest][2020-01-02T02:04:05Z] Performing upload step: QQ plots\n"+
		"[failure][2020-01-02T02:04:05Z] An error prevented this step from completing\n"+
		"bad maf\n", string(data))
}

// stepBlock returns the log lines of the step with the given title.
func stepBlock(t *testing.T, log, title string) string {
	i := strings.Index(log, "Performing upload step: "+title+"\n")
	require.True(t, i >= 0, "%s not in log:\n%s", title, log)
	block := log[i:]
	if j := strings.Index(block, "\n[ingest]["); j >= 0 {
		block = block[:j+1]
	}
	return block
}

func TestDerivedStepsLogged(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeInput(t, tmp, "#chrom\tpos\tref\talt\tpvalue\taf\tac\n"+
		"1\t100\tA\tC\t0.5\t0.1\t100\n"+
		"1\t200\tA\tC\t0.01\t0.1\t20\n")
	opts := DefaultOpts
	opts.Parser.AlleleFreqCol = 6
	opts.Parser.AlleleCountCol = 7
	opts.QQ.NumSamples = 100
	for i := 0; i < 5; i++ {
		dir, err := NewWorkDir(tmp)
		require.NoError(t, err)
		res, err := Run(context.Background(), dir, input, opts)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)

		l := readLog(t, dir)
		qqBlock := stepBlock(t, l, stageTitles[StageQQ])
		assert.Contains(t, qqBlock, "An error prevented this step from completing\n"+res.Failures[0].Reason+"\n")
		assert.NotContains(t, qqBlock, "Step completed")
		for _, stage := range []Stage{StageManhattan, StageTopHit} {
			block := stepBlock(t, l, stageTitles[stage])
			assert.Contains(t, block, "Step completed", stage)
			assert.NotContains(t, block, "[failure]", stage)
		}
	}
}

func TestInvalidOptions(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeInput(t, tmp, header+"1\t100\tA\tC\t0.5\n")
	for _, mod := range []func(*Opts){
		func(o *Opts) { o.Manhattan.BinLength = 0 },
		func(o *Opts) { o.Manhattan.UnbinnedCapacity = -2 },
		func(o *Opts) { o.QQ.Confidence = 1.5 },
	} {
		opts := DefaultOpts
		mod(&opts)
		dir, err := NewWorkDir(tmp)
		require.NoError(t, err)
		res, err := Run(context.Background(), dir, input, opts)
		require.Error(t, err)
		f, ok := err.(*Failure)
		require.True(t, ok, "%T", err)
		assert.Equal(t, StageOptions, f.Stage)
		assert.Equal(t, ingesterr.ValidationFailed, f.Code)
		assert.Empty(t, res.Store)
		assert.False(t, exists(dir.Store()))

		l := readLog(t, dir)
		assert.Contains(t, l, "Performing upload step: Check ingest options\n")
		assert.Contains(t, l, "An error prevented this step from completing\n"+f.Reason)
		assert.NotContains(t, l, stageTitles[StageHash])
	}
}

func TestUnreadableStore(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	input := writeInput(t, tmp, header+"1\t100\tA\tC\t0.5\n")
	openStore = func(ctx context.Context, path string) (*store.Reader, error) {
		return nil, errors.New("corrupt index")
	}
	defer func() { openStore = store.Open }()

	dir, err := NewWorkDir(tmp)
	require.NoError(t, err)
	res, err := Run(context.Background(), dir, input, DefaultOpts)
	require.Error(t, err)
	f := err.(*Failure)
	assert.Equal(t, StageNormalize, f.Stage)
	assert.Equal(t, ingesterr.Unexpected, f.Code)
	assert.Empty(t, res.Store)
	assert.False(t, exists(dir.Store()))
	assert.False(t, exists(dir.Store()+store.IndexSuffix))

	block := stepBlock(t, readLog(t, dir), stageTitles[StageNormalize])
	assert.Contains(t, block, "Could not create normalized GWAS file.")
	assert.Contains(t, block, "An error prevented this step from completing\nAn unexpected error has occurred\n")
	assert.NotContains(t, block, "Step completed")
}

func TestConfig(t *testing.T) {
	os.Setenv("GWAS_MAX_BAD_LINES", "7")
	os.Setenv("GWAS_PEAK_THRESHOLD", "7.5")
	defer os.Unsetenv("GWAS_MAX_BAD_LINES")
	defer os.Unsetenv("GWAS_PEAK_THRESHOLD")
	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gwas", c.WorkRoot)
	assert.Equal(t, uint32(500000), c.MaxRegionSize)
	opts := c.Opts()
	assert.Equal(t, 7, opts.Parser.MaxBadLines)
	assert.Equal(t, 7.5, opts.Manhattan.PeakThreshold)
	assert.Equal(t, manhattan.DefaultOpts.BinLength, opts.Manhattan.BinLength)
	assert.Equal(t, 0.05, opts.QQ.MAFTolerance)
	assert.Equal(t, sumstats.DefaultOpts.PValueCol, opts.Parser.PValueCol)
}

func TestWorkDirAndHash(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a, err := NewWorkDir(tmp)
	require.NoError(t, err)
	b, err := NewWorkDir(tmp)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
	assert.True(t, exists(a.Path))
	assert.Equal(t, filepath.Join(a.Path, "normalized.gz"), a.Store())

	// An existing directory is never reused.
	_, err = newWorkDir(tmp, a.ID)
	assert.True(t, os.IsExist(errors.Cause(err)), "%v", err)
	c, err := newWorkDir(filepath.Join(tmp, "x", "y"), "run")
	require.NoError(t, err)
	assert.True(t, exists(c.Path))

	path := filepath.Join(tmp, "abc")
	require.NoError(t, ioutil.WriteFile(path, []byte("abc"), 0644))
	sum, err := HashFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}
