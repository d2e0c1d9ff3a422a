// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main generates synthetic TSF datasets to files.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
	"github.com/tailingsiq/tailingsiq-backend/internal/synthetic"
)

const (
	previewCap     = 20
	previewRecords = 5
	typeAll        = "all"
	formatBoth     = "both"
)

var dataTypes = []model.SyntheticDataType{
	model.SynthMonitoring,
	model.SynthDocument,
	model.SynthCompliance,
	model.SynthGeotechnical,
}

type options struct {
	dataType   string
	count      int
	output     string
	outputDir  string
	format     string
	seed       uint64
	facilities int
	daysBack   int
	preview    bool

	now func() time.Time
}

// batch is the generated records of one type
type batch struct {
	dataType model.SyntheticDataType
	records  []map[string]any
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{now: time.Now}
	cmd := &cobra.Command{
		Use:          "synthgen",
		Short:        "Generate synthetic tailings storage facility data",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.dataType, "type", "", "Data type: monitoring, document, compliance, geotechnical or all")
	f.IntVar(&opts.count, "count", 100, "Number of records to generate")
	f.StringVar(&opts.output, "output", "", "Output file path without extension (default: generated from type and time)")
	f.StringVar(&opts.outputDir, "output-dir", "./synthetic_data", "Directory for generated files")
	f.StringVar(&opts.format, "format", "json", "Output format: json, csv, yaml or both")
	f.Uint64Var(&opts.seed, "seed", 0, "Random seed for reproducible output")
	f.IntVar(&opts.facilities, "facilities", 5, "Number of facilities for monitoring data")
	f.IntVar(&opts.daysBack, "days-back", 30, "Days of monitoring history")
	f.BoolVar(&opts.preview, "preview", false, "Print a sample instead of writing files")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func (o *options) validate() error {
	if o.dataType != typeAll {
		if _, err := parseType(o.dataType); err != nil {
			return err
		}
	}
	if o.count <= 0 {
		return errors.New("count must be positive")
	}
	if o.facilities <= 0 {
		return errors.New("facilities must be positive")
	}
	if o.format != formatBoth {
		if _, err := synthetic.ParseFormat(o.format); err != nil {
			return err
		}
	}
	return nil
}

func parseType(s string) (model.SyntheticDataType, error) {
	for _, t := range dataTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported data type %q", s)
}

// formats expands the format flag
func (o *options) formats() []synthetic.Format {
	if o.format == formatBoth {
		return []synthetic.Format{synthetic.FormatJSON, synthetic.FormatCSV}
	}
	f, _ := synthetic.ParseFormat(o.format)
	return []synthetic.Format{f}
}

func (o *options) run(out io.Writer) error {
	if err := o.validate(); err != nil {
		return err
	}
	if o.preview && o.count > previewCap {
		o.count = previewCap
		fmt.Fprintf(out, "Preview mode: limiting count to %d records\n", previewCap)
	}

	gen := synthetic.NewGenerator(o.seed).WithClock(func() time.Time { return o.now().UTC() })
	batches, err := o.generate(gen)
	if err != nil {
		return err
	}
	for _, b := range batches {
		fmt.Fprintf(out, "Generated %d %s records\n", len(b.records), b.dataType)
	}

	if o.preview {
		printPreview(out, batches)
		return nil
	}

	paths, err := o.write(batches)
	for _, p := range paths {
		fmt.Fprintf(out, "Saved %s\n", p)
	}
	return err
}

func (o *options) generate(gen *synthetic.Generator) ([]batch, error) {
	if o.dataType == typeAll {
		all := gen.All(o.count, o.facilities, o.daysBack)
		out := make([]batch, 0, len(dataTypes))
		for _, set := range []struct {
			t    model.SyntheticDataType
			data []any
		}{
			{model.SynthMonitoring, toAny(all.Monitoring)},
			{model.SynthDocument, toAny(all.Documents)},
			{model.SynthCompliance, toAny(all.Compliance)},
			{model.SynthGeotechnical, toAny(all.Geotechnical)},
		} {
			_, records, err := synthetic.Marshal(set.data)
			if err != nil {
				return nil, err
			}
			out = append(out, batch{dataType: set.t, records: records})
		}
		return out, nil
	}

	dt, _ := parseType(o.dataType)
	data, err := gen.Generate(dt, o.count, synthetic.Params{
		FacilityCount: o.facilities,
		DaysBack:      o.daysBack,
		Seed:          o.seed,
	})
	if err != nil {
		return nil, err
	}
	_, records, err := synthetic.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []batch{{dataType: dt, records: records}}, nil
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

// write saves each batch in every requested format and returns the paths
// written so far.
func (o *options) write(batches []batch) ([]string, error) {
	stamp := o.now().Format("20060102_150405")
	single := len(batches) == 1 && o.output != ""
	if !single {
		if err := os.MkdirAll(o.outputDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var paths []string
	for _, b := range batches {
		base := filepath.Join(o.outputDir, fmt.Sprintf("%s_data_%s", b.dataType, stamp))
		if single {
			base = strings.TrimSuffix(o.output, filepath.Ext(o.output))
			if dir := filepath.Dir(base); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return paths, fmt.Errorf("failed to create output directory: %w", err)
				}
			}
		}
		info := synthetic.DatasetInfo{
			DatasetID:   filepath.Base(base),
			Name:        filepath.Base(base),
			DataType:    b.dataType,
			RecordCount: len(b.records),
		}
		for _, f := range o.formats() {
			path := base + "." + string(f)
			if err := writeFile(path, f, info, b.records); err != nil {
				return paths, err
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func writeFile(path string, f synthetic.Format, info synthetic.DatasetInfo, records []map[string]any) error {
	file, err := os.Create(path) // #nosec G304 -- path comes from the command line
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := synthetic.Encode(file, f, info, records); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}

func printPreview(out io.Writer, batches []batch) {
	fmt.Fprintln(out, "\n=== PREVIEW DATA ===")
	for _, b := range batches {
		fmt.Fprintf(out, "\n%s\n", strings.ToUpper(string(b.dataType)))
		for i, r := range b.records[:min(previewRecords, len(b.records))] {
			fmt.Fprintf(out, "Record %d:\n", i+1)
			keys := make([]string, 0, len(r))
			for k := range r {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %v\n", k, r[k])
			}
		}
		if rest := len(b.records) - previewRecords; rest > 0 {
			fmt.Fprintf(out, "... and %d more records\n", rest)
		}
	}
}
