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

package synthetic

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// StatisticsSample caps how many records statistics are computed over
const StatisticsSample = 100

var (
	// ErrUnsupportedType is returned for dataset types without a generator
	ErrUnsupportedType = errors.New("unsupported data type")
	// ErrUnsupportedFormat is returned for unknown export formats
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

var monitoringFields = []string{
	"water_level", "pore_pressure", "settlement", "seepage_rate",
	"dam_height", "freeboard", "ph_level", "conductivity",
	"turbidity", "temperature", "factor_of_safety", "slope_angle",
}

var contentFlags = []string{
	"contains_monitoring_data", "contains_compliance_info",
	"contains_geotechnical_data", "contains_environmental_data",
}

// Decode turns stored JSON records into generic maps, skipping any that do
// not decode.
func Decode(raw []json.RawMessage) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		var m map[string]any
		if err := json.Unmarshal(r, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Summarize computes type specific statistics over at most
// StatisticsSample records.
func Summarize(dataType model.SyntheticDataType, records []map[string]any) map[string]any {
	if len(records) > StatisticsSample {
		records = records[:StatisticsSample]
	}
	if len(records) == 0 {
		return map[string]any{}
	}
	switch dataType {
	case model.SynthMonitoring:
		return monitoringStats(records)
	case model.SynthDocument:
		return documentStats(records)
	case model.SynthCompliance:
		return map[string]any{
			"compliance_status_distribution": distribution(records, "compliance_status"),
			"risk_level_distribution":        distribution(records, "risk_level"),
			"regulation_type_distribution":   distribution(records, "regulation_type"),
		}
	case model.SynthGeotechnical:
		return map[string]any{
			"test_type_distribution": distribution(records, "test_type"),
			"soil_type_distribution": distribution(records, "soil_type"),
			"unique_facilities":      unique(records, "facility_id"),
		}
	default:
		return map[string]any{}
	}
}

func monitoringStats(records []map[string]any) map[string]any {
	stats := map[string]any{}
	for _, field := range monitoringFields {
		var sum float64
		lo, hi := math.Inf(1), math.Inf(-1)
		n := 0
		for _, r := range records {
			v, ok := r[field].(float64)
			if !ok {
				continue
			}
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			n++
		}
		if n == 0 {
			continue
		}
		stats[field+"_avg"] = round2(sum / float64(n))
		stats[field+"_min"] = round2(lo)
		stats[field+"_max"] = round2(hi)
	}
	stats["status_distribution"] = distribution(records, "status")
	stats["unique_facilities"] = unique(records, "facility_id")
	return stats
}

func documentStats(records []map[string]any) map[string]any {
	stats := map[string]any{"document_type_distribution": distribution(records, "document_type")}
	var size, pages float64
	for _, r := range records {
		s, _ := r["file_size"].(float64)
		p, _ := r["page_count"].(float64)
		size += s
		pages += p
	}
	n := float64(len(records))
	stats["avg_file_size_mb"] = round2(size / n / 1024 / 1024)
	stats["avg_page_count"] = math.Round(pages/n*10) / 10
	for _, flag := range contentFlags {
		count := 0
		for _, r := range records {
			if b, _ := r[flag].(bool); b {
				count++
			}
		}
		stats[flag+"_count"] = count
	}
	return stats
}

func distribution(records []map[string]any, key string) map[string]int {
	out := map[string]int{}
	for _, r := range records {
		out[fmt.Sprint(r[key])]++
	}
	return out
}

func unique(records []map[string]any, key string) int {
	seen := map[any]struct{}{}
	for _, r := range records {
		seen[r[key]] = struct{}{}
	}
	return len(seen)
}

// Format is an export encoding
type Format string

// Export formats
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an export format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// ContentType is the HTTP media type of the format
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// DatasetInfo heads an exported dataset
type DatasetInfo struct {
	DatasetID   string                  `json:"dataset_id" yaml:"dataset_id"`
	Name        string                  `json:"name" yaml:"name"`
	DataType    model.SyntheticDataType `json:"data_type" yaml:"data_type"`
	RecordCount int                     `json:"record_count" yaml:"record_count"`
}

type document struct {
	Info DatasetInfo      `json:"dataset_info" yaml:"dataset_info"`
	Data []map[string]any `json:"data" yaml:"data"`
}

// Encode writes records in format f. JSON and YAML wrap the records with
// info; CSV writes a header of the first record's keys, sorted.
func Encode(w io.Writer, f Format, info DatasetInfo, records []map[string]any) error {
	if records == nil {
		records = []map[string]any{}
	}
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(document{Info: info, Data: records})
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Info: info, Data: records}); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		return writeCSV(w, records)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

// Columns returns the sorted keys of the first record
func Columns(records []map[string]any) []string {
	if len(records) == 0 {
		return nil
	}
	cols := make([]string, 0, len(records[0]))
	for k := range records[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func writeCSV(w io.Writer, records []map[string]any) error {
	cols := Columns(records)
	if cols == nil {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, r := range records {
		for i, c := range cols {
			row[i] = cell(r[c])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Marshal encodes typed records of any generator into generic maps by way of
// their JSON form.
func Marshal(records []any) ([]json.RawMessage, []map[string]any, error) {
	raw := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode record: %w", err)
		}
		raw = append(raw, b)
	}
	return raw, Decode(raw), nil
}

// EncodeBytes is Encode into memory
func EncodeBytes(f Format, info DatasetInfo, records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f, info, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
