// Package ingest runs the GWAS upload pipeline: it hashes and normalizes an
// uploaded summary-statistics file, then derives the Manhattan plot, the QQ
// summary and the top hit from the normalized store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/ingesterr"
	"github.com/grailbio/gwas/manhattan"
	"github.com/grailbio/gwas/qq"
	"github.com/pkg/errors"
)

// Stage names a pipeline step in failures.
type Stage string

const (
	StageOptions   Stage = "options"
	StageHash      Stage = "hash_contents"
	StageNormalize Stage = "normalize"
	StageManhattan Stage = "manhattan"
	StageQQ        Stage = "qq"
	StageTopHit    Stage = "top_hit"
)

var stageTitles = map[Stage]string{
	StageOptions:   "Check ingest options",
	StageHash:      "Calculate SHA256",
	StageNormalize: "Normalize GWAS file format",
	StageManhattan: "Prepare a manhattan plot",
	StageQQ:        "QQ plots",
	StageTopHit:    "Top hit detection",
}

// openStore is replaced in tests.
var openStore = store.Open

// Failure is the outcome of a failed stage as shown to the uploader.
type Failure struct {
	Stage  Stage
	Code   ingesterr.Code
	Reason string
	Err    error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Stage, f.Reason) }

// Cause returns the classified error behind f.
func (f *Failure) Cause() error { return f.Err }

// Result describes a finished run.  Artifact paths are empty when the stage
// producing them failed.
type Result struct {
	ID          string
	Dir         string
	SHA256      string
	Format      sumstats.Format
	Rows        int
	BadLines    []sumstats.BadLine
	NumBadLines int
	Store       string
	Manhattan   string
	QQ          string
	TopHit      *TopHit
	// Failures lists failed derived stages.  The store remains usable.
	Failures []*Failure
}

// OK reports whether every stage succeeded.
func (r *Result) OK() bool { return len(r.Failures) == 0 }

type run struct {
	dir WorkDir
	log *StepLog
}

// step runs fn as the named stage.  Its start, the lines fn adds and its
// outcome are appended to the step log as one block.
func (p *run) step(stage Stage, fn func(s *Step) error) *Failure {
	s := p.log.Start(stageTitles[stage])
	err := fn(s)
	if err == nil {
		s.Success()
		return nil
	}
	log.Error.Printf("ingest %s: stage %s: %v", p.dir.ID, stage, err)
	f := newFailure(stage, err)
	s.Failure(f.Err)
	return f
}

func newFailure(stage Stage, err error) *Failure {
	err = ingesterr.Wrap(err)
	return &Failure{Stage: stage, Code: ingesterr.CodeOf(err), Reason: err.Error(), Err: err}
}

// Run ingests the upload at input into dir.  Invalid options, or a failure
// to hash or normalize the upload, are returned as a *Failure and leave no
// store.  Failures of the derived stages are reported in Result.Failures
// instead.
func Run(ctx context.Context, dir WorkDir, input string, opts Opts) (*Result, error) {
	steplog, err := OpenStepLog(dir.Log())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := steplog.Close(); err != nil {
			log.Error.Printf("ingest %s: close log: %v", dir.ID, err)
		}
	}()
	p := &run{dir: dir, log: steplog}
	res := &Result{ID: dir.ID, Dir: dir.Path}

	// Only a rejection of the options is logged.
	if err := opts.Check(); err != nil {
		return res, p.step(StageOptions, func(*Step) error { return err })
	}
	if f := p.step(StageHash, func(*Step) (err error) {
		res.SHA256, err = HashFile(ctx, input)
		return err
	}); f != nil {
		return res, f
	}
	var r *store.Reader
	if f := p.step(StageNormalize, func(s *Step) error {
		sum, err := Normalize(ctx, input, dir.Store(), opts.Parser, s.Excluded)
		res.Format, res.Rows = sum.Format, sum.Rows
		res.BadLines, res.NumBadLines = sum.BadLines, sum.NumBadLines
		if err == nil {
			if r, err = openStore(ctx, dir.Store()); err != nil {
				removeStore(ctx, dir.Store())
			}
		}
		if err != nil {
			s.Note("[failure] Could not create normalized GWAS file.")
			return err
		}
		s.Note("[success] The GWAS file passed validation. Read the logs carefully, in case any specific lines failed to parse.")
		return nil
	}); f != nil {
		return res, f
	}
	res.Store = dir.Store()

	derived := []struct {
		stage Stage
		fn    func(*Step) error
	}{
		{StageManhattan, func(*Step) error {
			m, err := manhattan.Run(ctx, r, opts.Manhattan)
			if err != nil {
				return err
			}
			if err := writeJSON(ctx, dir.Manhattan(), m); err != nil {
				return err
			}
			res.Manhattan = dir.Manhattan()
			return nil
		}},
		{StageQQ, func(*Step) error {
			s, err := qq.Run(ctx, r, opts.QQ)
			if err != nil {
				return err
			}
			if err := writeJSON(ctx, dir.QQ(), s); err != nil {
				return err
			}
			res.QQ = dir.QQ()
			return nil
		}},
		{StageTopHit, func(*Step) (err error) {
			res.TopHit, err = FindTopHit(ctx, r)
			return err
		}},
	}
	failures := make([]*Failure, len(derived))
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = len(derived)
	}
	_ = traverse.Limit(parallelism).Each(len(derived), func(i int) error {
		failures[i] = p.step(derived[i].stage, derived[i].fn)
		return nil
	})
	for _, f := range failures {
		if f != nil {
			res.Failures = append(res.Failures, f)
		}
	}
	log.Printf("ingest %s: %d rows, %d derived failures", dir.ID, res.Rows, len(res.Failures))
	return res, nil
}

// removeStore deletes a store that was written but cannot be read back.
func removeStore(ctx context.Context, path string) {
	for _, p := range []string{path, path + store.IndexSuffix} {
		if err := file.Remove(ctx, p); err != nil {
			log.Error.Printf("remove %s: %v", p, err)
		}
	}
}

// writeJSON writes v to path.  Nothing is left at path on error.
func writeJSON(ctx context.Context, path string, v interface{}) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	err = json.NewEncoder(out.Writer(ctx)).Encode(v)
	if e := out.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		_ = file.Remove(ctx, path)
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
