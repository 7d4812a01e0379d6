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
	"fmt"
	"log"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/gwas/region"
	"v.io/x/lib/cmdline"
)

func newCmdIngest() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "ingest",
		Short:    "Normalize a summary-statistics upload and derive its plots",
		ArgsName: "path",
	}
	optsFlag := cmd.Flags.String("options", "", `YAML file of ingest options. Example:

  parser:
    chrom_col: 1
    pos_col: 2
    ref_col: 3
    alt_col: 4
    pvalue_col: 5
    is_neg_log_pvalue: false
  qq:
    num_samples: 5000

Unset values take their defaults from GWAS_* environment variables.`)
	workRootFlag := cmd.Flags.String("work-root", "", "Directory under which the run's work directory is created. Defaults to $GWAS_WORK_ROOT")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("ingest takes one pathname argument, but got %v", argv)
		}
		return runIngest(vcontext.Background(), env.Stdout, argv[0], *optsFlag, *workRootFlag)
	})
	return cmd
}

func newCmdValidate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "validate",
		Short:    "Check an upload without writing anything",
		ArgsName: "path",
	}
	optsFlag := cmd.Flags.String("options", "", "YAML file of ingest options; see 'ingest -help'")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("validate takes one pathname argument, but got %v", argv)
		}
		return runValidate(vcontext.Background(), env.Stdout, argv[0], *optsFlag)
	})
	return cmd
}

func newCmdFetch() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "fetch",
		Short:    "Print the records of a normalized store within regions",
		ArgsName: "storepath",
	}
	regionsFlag := cmd.Flags.String("regions", "", `A semicolon-separated list of regions, each 'chr:begin-end'.
[begin,end] is a 1-based, closed interval.`)
	formatFlag := cmd.Flags.String("format", "json", "Output format, 'json' or 'tsv'")
	maxSizeFlag := cmd.Flags.Uint("max-region-size", 0, "Largest allowed end-begin. Defaults to $GWAS_MAX_REGION_SIZE")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("fetch takes one store path, but got %v", argv)
		}
		var regions []region.Region
		for _, s := range strings.Split(*regionsFlag, ";") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			r, err := region.Parse(s)
			if err != nil {
				return err
			}
			regions = append(regions, r)
		}
		if len(regions) == 0 {
			return fmt.Errorf("fetch: -regions is required")
		}
		opts := region.Opts{MaxRegionSize: uint32(*maxSizeFlag)}
		return runFetch(vcontext.Background(), env.Stdout, argv[0], regions, opts, *formatFlag)
	})
	return cmd
}

func newCmdTopHit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "tophit",
		Short:    "Print the most significant record of a normalized store",
		ArgsName: "storepath",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("tophit takes one store path, but got %v", argv)
		}
		return runTopHit(vcontext.Background(), env.Stdout, argv[0])
	})
	return cmd
}

func newCmdManhattan() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "manhattan",
		Short:    "Compute the Manhattan plot dataset of a normalized store",
		ArgsName: "storepath",
	}
	optsFlag := cmd.Flags.String("options", "", "YAML file of ingest options; only the manhattan section is used")
	outFlag := cmd.Flags.String("out", "", "Output path. Defaults to stdout")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("manhattan takes one store path, but got %v", argv)
		}
		return runManhattan(vcontext.Background(), env.Stdout, argv[0], *optsFlag, *outFlag)
	})
	return cmd
}

func newCmdQQ() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "qq",
		Short:    "Compute the QQ summary of a normalized store",
		ArgsName: "storepath",
	}
	optsFlag := cmd.Flags.String("options", "", "YAML file of ingest options; only the qq section is used")
	outFlag := cmd.Flags.String("out", "", "Output path. Defaults to stdout")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("qq takes one store path, but got %v", argv)
		}
		return runQQ(vcontext.Background(), env.Stdout, argv[0], *optsFlag, *outFlag)
	})
	return cmd
}

// Run is the entry point of bio-gwas.
func Run() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "bio-gwas",
			Short:    "Tools for ingesting and querying GWAS summary statistics",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdIngest(),
				newCmdValidate(),
				newCmdFetch(),
				newCmdTopHit(),
				newCmdManhattan(),
				newCmdQQ(),
			},
		})
}
