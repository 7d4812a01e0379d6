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

package main

// bio-gwas ingests GWAS summary-statistics uploads and queries the
// normalized stores it produces.
//
// Usage:
//   bio-gwas ingest [-options opts.yaml] upload.txt.gz
//   bio-gwas fetch -regions 1:1000000-1000100 work/<id>/normalized.gz

import "github.com/grailbio/gwas/cmd/bio-gwas/cmd"

func main() {
	cmd.Run()
}
