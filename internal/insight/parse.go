package insight

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/storage"
)

const defaultToneScore = 0.5

var insightKeys = []string{"summary", "tone", "tone_score", "products", "issues", "actions", "keywords"}

// ParseOptions tunes Parse.
type ParseOptions struct {
	// MaxItems caps each list; 0 means no cap.
	MaxItems int
}

// Parse extracts an insight from untrusted model output. The output may be
// bare JSON, JSON wrapped in prose or Markdown fences, or garbage. Missing
// lists become empty, tone falls back to neutral and tone_score is clamped
// to [0,1]. When no usable object is found the error is malformed_response.
func Parse(raw string, opts ParseOptions) (storage.Insight, error) {
	obj, ok := findObject(raw)
	if !ok {
		return storage.Insight{}, failure.Newf(failure.MalformedResponse, "no insight object in model output (%d chars): %s", len(raw), preview(raw))
	}

	var ins storage.Insight
	switch v := obj["summary"].(type) {
	case nil:
	case string:
		ins.Summary = strings.TrimSpace(v)
	default:
		return storage.Insight{}, failure.Newf(failure.MalformedResponse, "summary is %T, want string", v)
	}
	ins.Tone = normalizeTone(obj["tone"])
	ins.ToneScore = normalizeScore(obj["tone_score"])
	ins.Products = toList(obj["products"], opts.MaxItems)
	ins.Issues = toList(obj["issues"], opts.MaxItems)
	ins.Actions = toList(obj["actions"], opts.MaxItems)
	ins.Keywords = toList(obj["keywords"], opts.MaxItems)
	return ins, nil
}

// findObject returns the first JSON object in raw that carries at least one
// insight key. Fenced content is tried before the text as a whole.
func findObject(raw string) (map[string]any, bool) {
	texts := []string{raw}
	if inner, ok := stripFence(raw); ok {
		texts = []string{inner, raw}
	}
	for _, text := range texts {
		if obj, ok := decodeObject(strings.TrimSpace(text)); ok {
			return obj, true
		}
		for _, cand := range candidates(text) {
			if obj, ok := decodeObject(cand); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	for _, k := range insightKeys {
		if _, ok := obj[k]; ok {
			return obj, true
		}
	}
	return nil, false
}

// stripFence returns the body of the first Markdown code fence in s.
func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	body := s[start+3:]
	// Drop the info string ("json") up to the end of the opening line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body, true
}

// candidates returns every balanced {...} span in s in order of their
// opening brace. Braces inside JSON strings are ignored.
func candidates(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		if end := matchBrace(s, i); end > 0 {
			out = append(out, s[i:end+1])
		}
	}
	return out
}

func matchBrace(s string, open int) int {
	depth := 0
	inString, escaped := false, false
	for j := open; j < len(s); j++ {
		c := s[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func normalizeTone(v any) storage.Tone {
	s, ok := v.(string)
	if !ok {
		return storage.ToneNeutral
	}
	t := storage.Tone(strings.ToLower(strings.TrimSpace(s)))
	for _, allowed := range storage.Tones {
		if t == allowed {
			return t
		}
	}
	return storage.ToneNeutral
}

func normalizeScore(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return defaultToneScore
		}
		f = parsed
	default:
		return defaultToneScore
	}
	if math.IsNaN(f) {
		return defaultToneScore
	}
	return math.Max(0, math.Min(1, f))
}

func toList(v any, limit int) []string {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case nil, map[string]any:
	default:
		items = []any{x}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := scalarString(item)
		if !ok || s == "" {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
