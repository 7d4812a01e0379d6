// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/gwas/encoding/store"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/grailbio/gwas/ingest"
	"github.com/grailbio/gwas/manhattan"
	"github.com/grailbio/gwas/qq"
	"github.com/grailbio/gwas/region"
	"github.com/grailbio/gwas/variant"
	"gopkg.in/yaml.v2"
)

// optionsFile is the layout of the -options YAML file.  The parser section
// uses the same loosely typed keys as the hosted service.
type optionsFile struct {
	Parser      map[string]interface{} `yaml:"parser"`
	Manhattan   manhattan.Opts         `yaml:"manhattan"`
	QQ          qq.Opts                `yaml:"qq"`
	Parallelism int                    `yaml:"parallelism"`
}

// loadOpts overlays the options file at path, if any, on the environment
// defaults.
func loadOpts(ctx context.Context, path string) (ingest.Config, ingest.Opts, error) {
	cfg, err := ingest.LoadConfig()
	if err != nil {
		return cfg, ingest.Opts{}, err
	}
	opts := cfg.Opts()
	if path == "" {
		return cfg, opts, nil
	}
	data, err := readFile(ctx, path)
	if err != nil {
		return cfg, opts, err
	}
	f := optionsFile{Manhattan: opts.Manhattan, QQ: opts.QQ, Parallelism: opts.Parallelism}
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return cfg, opts, fmt.Errorf("%s: %v", path, err)
	}
	if f.Parser != nil {
		parser, err := sumstats.OptsFromMap(f.Parser)
		if err != nil {
			return cfg, opts, err
		}
		if _, ok := f.Parser["max_bad_lines"]; !ok {
			parser.MaxBadLines = opts.Parser.MaxBadLines
		}
		opts.Parser = parser
	}
	opts.Manhattan, opts.QQ, opts.Parallelism = f.Manhattan, f.QQ, f.Parallelism
	return cfg, opts, nil
}

func readFile(ctx context.Context, path string) (data []byte, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ioutil.ReadAll(in.Reader(ctx))
}

// writeJSON writes v to path, or to stdout if path is empty.
func writeJSON(ctx context.Context, stdout io.Writer, path string, v interface{}) (err error) {
	if path == "" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return json.NewEncoder(out.Writer(ctx)).Encode(v)
}

type failureJSON struct {
	Stage  ingest.Stage `json:"stage"`
	Code   string       `json:"code"`
	Reason string       `json:"reason"`
}

type ingestJSON struct {
	ID          string         `json:"id"`
	Dir         string         `json:"dir"`
	SHA256      string         `json:"sha256,omitempty"`
	Format      string         `json:"format"`
	Rows        int            `json:"rows"`
	NumBadLines int            `json:"bad_lines"`
	Store       string         `json:"store,omitempty"`
	Manhattan   string         `json:"manhattan,omitempty"`
	QQ          string         `json:"qq,omitempty"`
	TopHit      *ingest.TopHit `json:"top_hit,omitempty"`
	Failures    []failureJSON  `json:"failures,omitempty"`
}

func newFailureJSON(f *ingest.Failure) failureJSON {
	return failureJSON{Stage: f.Stage, Code: f.Code.String(), Reason: f.Reason}
}

func runIngest(ctx context.Context, stdout io.Writer, input, optsPath, workRoot string) error {
	cfg, opts, err := loadOpts(ctx, optsPath)
	if err != nil {
		return err
	}
	if workRoot == "" {
		workRoot = cfg.WorkRoot
	}
	dir, err := ingest.NewWorkDir(workRoot)
	if err != nil {
		return err
	}
	log.Printf("ingest %s: writing to %s", input, dir.Path)
	res, runErr := ingest.Run(ctx, dir, input, opts)
	if res == nil {
		return runErr
	}
	out := ingestJSON{
		ID:          res.ID,
		Dir:         res.Dir,
		SHA256:      res.SHA256,
		Format:      res.Format.String(),
		Rows:        res.Rows,
		NumBadLines: res.NumBadLines,
		Store:       res.Store,
		Manhattan:   res.Manhattan,
		QQ:          res.QQ,
		TopHit:      res.TopHit,
	}
	if f, ok := runErr.(*ingest.Failure); ok {
		out.Failures = append(out.Failures, newFailureJSON(f))
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, newFailureJSON(f))
	}
	if err := writeJSON(ctx, stdout, "", out); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !res.OK() {
		return fmt.Errorf("ingest %s: %d stages failed; see %s", input, len(res.Failures), dir.Log())
	}
	return nil
}

func runValidate(ctx context.Context, stdout io.Writer, input, optsPath string) error {
	_, opts, err := loadOpts(ctx, optsPath)
	if err != nil {
		return err
	}
	sum, err := sumstats.Validate(ctx, input, opts.Parser)
	for _, b := range sum.BadLines {
		fmt.Fprintf(stdout, "Excluded row %d from output due to parse error: %s\n", b.Line, b.Reason)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %v, %d rows, %d excluded\n", input, sum.Format, sum.Rows, sum.NumBadLines)
	return nil
}

// runFetch answers regions from the store at path.  A zero
// opts.MaxRegionSize takes the limit from the environment.
func runFetch(ctx context.Context, stdout io.Writer, path string, regions []region.Region, opts region.Opts, format string) error {
	if opts.MaxRegionSize == 0 {
		cfg, err := ingest.LoadConfig()
		if err != nil {
			return err
		}
		opts = cfg.RegionOpts()
	}
	s := region.NewService(opts)
	results, err := s.FetchAll(ctx, path, regions)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		var all []variant.Record
		for _, recs := range results {
			all = append(all, recs...)
		}
		if all == nil {
			all = []variant.Record{}
		}
		return writeJSON(ctx, stdout, "", all)
	case "tsv":
		w := tsv.NewWriter(stdout)
		w.WriteString("#chrom\tpos\tref\talt\tneg_log_pvalue\tpvalue")
		if err := w.EndLine(); err != nil {
			return err
		}
		for _, recs := range results {
			for _, r := range recs {
				w.WriteString(r.Chrom)
				w.WriteUint32(r.Pos)
				w.WriteString(r.Ref)
				w.WriteString(r.Alt)
				w.WriteString(strconv.FormatFloat(float64(r.NegLogP), 'g', -1, 64))
				w.WriteString(strconv.FormatFloat(float64(r.PValue), 'g', -1, 64))
				if err := w.EndLine(); err != nil {
					return err
				}
			}
		}
		return w.Flush()
	}
	return fmt.Errorf("fetch: unknown format %q", format)
}

func runTopHit(ctx context.Context, stdout io.Writer, path string) error {
	r, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	hit, err := ingest.FindTopHit(ctx, r)
	if err != nil {
		return err
	}
	return writeJSON(ctx, stdout, "", hit)
}

func runManhattan(ctx context.Context, stdout io.Writer, path, optsPath, outPath string) error {
	_, opts, err := loadOpts(ctx, optsPath)
	if err != nil {
		return err
	}
	r, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	res, err := manhattan.Run(ctx, r, opts.Manhattan)
	if err != nil {
		return err
	}
	return writeJSON(ctx, stdout, outPath, res)
}

func runQQ(ctx context.Context, stdout io.Writer, path, optsPath, outPath string) error {
	_, opts, err := loadOpts(ctx, optsPath)
	if err != nil {
		return err
	}
	r, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	res, err := qq.Run(ctx, r, opts.QQ)
	if err != nil {
		return err
	}
	return writeJSON(ctx, stdout, outPath, res)
}
