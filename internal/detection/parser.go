package detection

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"page-translator/internal/logger"
)

// Strategy is one attempt at decoding a cleaned payload. ok is false when
// the strategy does not recognise the payload at all.
type Strategy interface {
	Name() string
	Parse(payload string) (items []map[string]any, ok bool)
}

// Result is the outcome of parsing one response.
type Result struct {
	Records  []Record
	Strategy string // "" when nothing matched
	Skipped  int
	Warnings []string
}

// Parser runs its strategies in order; the first one that succeeds wins.
type Parser struct {
	strategies []Strategy
}

// NewParser returns the default chain: strict JSON, regex scan, literal evaluation.
func NewParser() *Parser {
	return &Parser{strategies: []Strategy{
		StrictJSON{},
		RegexScan{},
		LiteralEval{},
	}}
}

// NewParserWith builds a parser from a custom chain.
func NewParserWith(strategies ...Strategy) *Parser {
	return &Parser{strategies: strategies}
}

// Parse resolves resp into validated records. It never fails: when no
// strategy understands the payload the result is empty and the raw response
// is logged for diagnosis.
func (p *Parser) Parse(resp Response) Result {
	var res Result

	items, name := p.decode(resp)
	if name == "" {
		logger.Warn("detection response not understood, no records",
			logger.Int("length", len(resp.raw)),
			logger.String("raw", resp.raw))
		return res
	}

	res.Strategy = name
	res.Records, res.Warnings = validate(items)
	res.Skipped = len(res.Warnings)
	for _, w := range res.Warnings {
		logger.Warn("detection record dropped", logger.String("reason", w), logger.String("strategy", name))
	}
	return res
}

func (p *Parser) decode(resp Response) ([]map[string]any, string) {
	if !resp.IsRaw() {
		return resp.records, "structured"
	}

	payload := Clean(resp.raw)
	for _, s := range p.strategies {
		if items, ok := s.Parse(payload); ok {
			return items, s.Name()
		}
	}
	return nil, ""
}

// ParseText is a convenience for Parse(RawText(raw)).
func (p *Parser) ParseText(raw string) Result {
	return p.Parse(RawText(raw))
}

// Clean strips a code fence and rewrites ":=" to ":".
func Clean(raw string) string {
	return strings.ReplaceAll(StripFence(raw), ":=", ":")
}

// StripFence returns the text after the first fence opener line ("```json"
// or any "```lang") up to the next fence. Without an opener the input is
// returned unchanged.
func StripFence(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") || len(trimmed) == 3 {
			continue
		}
		body := strings.Join(lines[i+1:], "\n")
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		return body
	}
	return raw
}

// StrictJSON decodes the payload as a JSON array of objects, or a single object.
type StrictJSON struct{}

func (StrictJSON) Name() string { return "json" }

func (StrictJSON) Parse(payload string) ([]map[string]any, bool) {
	return decodeJSON([]byte(strings.TrimSpace(payload)))
}

func decodeJSON(data []byte) ([]map[string]any, bool) {
	if len(data) == 0 {
		return nil, false
	}

	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		items := make([]map[string]any, 0, len(list))
		for _, v := range list {
			if m, ok := v.(map[string]any); ok {
				items = append(items, m)
			} else {
				// keep the slot so validation reports it
				items = append(items, map[string]any{})
			}
		}
		return items, true
	}

	var single map[string]any
	if err := json.Unmarshal(data, &single); err == nil {
		return []map[string]any{single}, true
	}
	return nil, false
}

var recordPattern = regexp.MustCompile(`"bbox_2d":\s*\[(.*?)\],\s*"text_content":\s*"(.*?)"`)

// RegexScan extracts every bbox/text pair found anywhere in the payload,
// tolerating truncation and surrounding commentary.
type RegexScan struct{}

func (RegexScan) Name() string { return "regex" }

func (RegexScan) Parse(payload string) ([]map[string]any, bool) {
	matches := recordPattern.FindAllStringSubmatch(payload, -1)
	if len(matches) == 0 {
		return nil, false
	}

	items := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		var coords []any
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if f, err := strconv.ParseFloat(part, 64); err == nil {
				coords = append(coords, f)
			} else {
				coords = append(coords, part)
			}
		}
		text := m[2]
		if unq, err := strconv.Unquote(`"` + text + `"`); err == nil {
			text = unq
		}
		items = append(items, map[string]any{KeyBBox: coords, KeyText: text})
	}
	return items, true
}

// LiteralEval accepts Python-style literals: single-quoted strings,
// True/False/None, tuples and trailing commas.
type LiteralEval struct{}

func (LiteralEval) Name() string { return "literal" }

func (LiteralEval) Parse(payload string) ([]map[string]any, bool) {
	converted, ok := literalToJSON(strings.TrimSpace(payload))
	if !ok {
		return nil, false
	}
	return decodeJSON(converted)
}

// literalToJSON rewrites a Python literal into JSON. It returns false on an
// unterminated string.
func literalToJSON(s string) ([]byte, bool) {
	var out bytes.Buffer
	runes := []rune(s)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' || r == '"':
			end, ok := writeString(&out, runes, i)
			if !ok {
				return nil, false
			}
			i = end
		case r == '(':
			out.WriteByte('[')
		case r == ')':
			out.WriteByte(']')
		case r == ',':
			// drop trailing commas before a closing bracket
			j := i + 1
			for j < len(runes) && isSpace(runes[j]) {
				j++
			}
			if j < len(runes) && (runes[j] == ']' || runes[j] == '}' || runes[j] == ')') {
				continue
			}
			out.WriteRune(r)
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				out.WriteString(word)
			}
			i = j - 1
		default:
			out.WriteRune(r)
		}
	}
	return out.Bytes(), true
}

// writeString copies the quoted string starting at runes[start] as a JSON
// string and returns the index of its closing quote.
func writeString(out *bytes.Buffer, runes []rune, start int) (int, bool) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes):
			next := runes[i+1]
			switch next {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case 'r':
				sb.WriteRune('\r')
			default:
				sb.WriteRune(next)
			}
			i++
		case r == quote:
			data, _ := json.Marshal(sb.String())
			out.Write(data)
			return i, true
		default:
			sb.WriteRune(r)
		}
	}
	return 0, false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}
