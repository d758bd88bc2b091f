// Package detection turns the free-text answer of a text-spotting model into
// bounding-box records. Model output is untrusted: the parser degrades
// through a chain of strategies instead of failing the page.
package detection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"page-translator/internal/geometry"
)

// JSON keys used by the text-spotting prompt.
const (
	KeyBBox = "bbox_2d"
	KeyText = "text_content"
)

// Record is one detected text line in the model's coordinate frame.
type Record struct {
	BBox [4]float64 `json:"bbox_2d"`
	Text string     `json:"text_content"`
}

// Box returns the bounding box as a geometry.Box.
func (r Record) Box() geometry.Box {
	return geometry.Box{X1: r.BBox[0], Y1: r.BBox[1], X2: r.BBox[2], Y2: r.BBox[3]}
}

type responseKind int

const (
	kindRawText responseKind = iota
	kindStructured
)

// Response is what a detector hands back: either raw model text that still
// has to be parsed, or records that already arrived structured.
type Response struct {
	kind    responseKind
	raw     string
	records []map[string]any
}

// RawText wraps a model answer that needs parsing.
func RawText(s string) Response {
	return Response{kind: kindRawText, raw: s}
}

// StructuredRecords wraps already-decoded record objects.
func StructuredRecords(items []map[string]any) Response {
	return Response{kind: kindStructured, records: items}
}

// FromRecords wraps typed records, as produced by local detectors.
func FromRecords(records []Record) Response {
	items := make([]map[string]any, len(records))
	for i, r := range records {
		items[i] = map[string]any{
			KeyBBox: []any{r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3]},
			KeyText: r.Text,
		}
	}
	return StructuredRecords(items)
}

// IsRaw reports whether the response still needs parsing.
func (r Response) IsRaw() bool { return r.kind == kindRawText }

// Raw returns the raw text, or a JSON rendering of structured records.
func (r Response) Raw() string {
	if r.kind == kindRawText {
		return r.raw
	}
	data, err := json.Marshal(r.records)
	if err != nil {
		return fmt.Sprintf("%v", r.records)
	}
	return string(data)
}

// validate converts decoded objects into records. Objects without a
// four-number bbox are skipped and reported; a missing text becomes "".
func validate(items []map[string]any) ([]Record, []string) {
	records := make([]Record, 0, len(items))
	var warnings []string

	for i, item := range items {
		bbox, err := toBBox(item[KeyBBox])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("record %d skipped: %v", i, err))
			continue
		}
		text, _ := item[KeyText].(string)
		records = append(records, Record{BBox: bbox, Text: text})
	}
	return records, warnings
}

func toBBox(v any) ([4]float64, error) {
	var out [4]float64
	if v == nil {
		return out, fmt.Errorf("missing %s", KeyBBox)
	}
	list, ok := v.([]any)
	if !ok {
		return out, fmt.Errorf("%s is %T, not a list", KeyBBox, v)
	}
	if len(list) != 4 {
		return out, fmt.Errorf("%s has %d components, want 4", KeyBBox, len(list))
	}
	for i, c := range list {
		f, err := toFloat(c)
		if err != nil {
			return out, fmt.Errorf("%s[%d]: %w", KeyBBox, i, err)
		}
		out[i] = f
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("non-numeric value %v", v)
	}
}
