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

package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRequiresType(t *testing.T) {
	_, err := runCmd(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		wantErr string
	}{
		{"monitoring", options{dataType: "monitoring", count: 10, facilities: 2, format: "json"}, ""},
		{"all with both", options{dataType: "all", count: 10, facilities: 1, format: "both"}, ""},
		{"yaml", options{dataType: "compliance", count: 1, facilities: 1, format: "yaml"}, ""},
		{"unknown type", options{dataType: "financial", count: 10, facilities: 1, format: "json"}, "unsupported data type"},
		{"bad count", options{dataType: "document", count: 0, facilities: 1, format: "json"}, "count"},
		{"bad facilities", options{dataType: "document", count: 5, facilities: 0, format: "json"}, "facilities"},
		{"bad format", options{dataType: "document", count: 5, facilities: 1, format: "xml"}, "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPreviewCapsCountAndWritesNothing(t *testing.T) {
	dir := t.TempDir()
	out, err := runCmd(t, "--type", "document", "--count", "50", "--preview", "--seed", "7", "--output-dir", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "limiting count to 20")
	assert.Contains(t, out, "Generated 20 document records")
	assert.Contains(t, out, "=== PREVIEW DATA ===")
	assert.Contains(t, out, "Record 5:")
	assert.NotContains(t, out, "Record 6:")
	assert.Contains(t, out, "... and 15 more records")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWritesJSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	opts := &options{
		dataType:   "monitoring",
		count:      20,
		outputDir:  dir,
		format:     "both",
		seed:       42,
		facilities: 2,
		daysBack:   7,
		now:        fixedNow,
	}
	var out bytes.Buffer
	require.NoError(t, opts.run(&out))

	jsonPath := filepath.Join(dir, "monitoring_data_20240501_083000.json")
	csvPath := filepath.Join(dir, "monitoring_data_20240501_083000.csv")
	assert.Contains(t, out.String(), jsonPath)
	assert.Contains(t, out.String(), csvPath)

	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc struct {
		Info struct {
			DataType    string `json:"data_type"`
			RecordCount int    `json:"record_count"`
		} `json:"dataset_info"`
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "monitoring", doc.Info.DataType)
	assert.Equal(t, 20, doc.Info.RecordCount)
	assert.Len(t, doc.Data, 20)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 21)
}

func TestSameSeedSameOutput(t *testing.T) {
	gen := func(dir string) []byte {
		opts := &options{dataType: "compliance", count: 5, outputDir: dir, format: "json", seed: 9, facilities: 1, now: fixedNow}
		require.NoError(t, opts.run(&bytes.Buffer{}))
		raw, err := os.ReadFile(filepath.Join(dir, "compliance_data_20240501_083000.json"))
		require.NoError(t, err)
		return raw
	}
	assert.Equal(t, gen(t.TempDir()), gen(t.TempDir()))
}

func TestExplicitOutputPath(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "geo.yaml")
	opts := &options{dataType: "geotechnical", count: 3, output: target, outputDir: "unused", format: "yaml", seed: 1, facilities: 1, now: fixedNow}
	require.NoError(t, opts.run(&bytes.Buffer{}))

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "dataset_info")
	assert.Len(t, doc["data"], 3)

	_, err = os.Stat("unused")
	assert.True(t, os.IsNotExist(err))
}

func TestAllWritesEveryType(t *testing.T) {
	dir := t.TempDir()
	out, err := runCmd(t, "--type", "all", "--count", "100", "--seed", "3", "--output-dir", dir)
	require.NoError(t, err)

	for _, dt := range dataTypes {
		assert.Contains(t, out, string(dt))
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*_data_*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, len(dataTypes))
}
