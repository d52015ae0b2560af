package insight

import (
	"reflect"
	"testing"

	"github.com/kalambet/storevoice/internal/failure"
	"github.com/kalambet/storevoice/internal/storage"
)

func TestParse_ClampsAndCoerces(t *testing.T) {
	raw := `{"summary":"ok","tone":"POSITIVE","tone_score":1.4,"products":["shoes"],"issues":null,"actions":[],"keywords":["sales"]}`

	got, err := Parse(raw, ParseOptions{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := storage.Insight{
		Summary:   "ok",
		Tone:      storage.TonePositive,
		ToneScore: 1.0,
		Products:  []string{"shoes"},
		Issues:    []string{},
		Actions:   []string{},
		Keywords:  []string{"sales"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %+v, want %+v", got, want)
	}
}

func TestParse_ChattyReply(t *testing.T) {
	raw := "Sure! Here's the JSON: {\"summary\":\"ok\",\"tone\":\"positive\",\"tone_score\":1.4,\"products\":[],\"issues\":null,\"actions\":[]}"

	got, err := Parse(raw, ParseOptions{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := storage.Insight{
		Summary:   "ok",
		Tone:      storage.TonePositive,
		ToneScore: 1.0,
		Products:  []string{},
		Issues:    []string{},
		Actions:   []string{},
		Keywords:  []string{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse = %+v, want %+v", got, want)
	}
}

func TestParse_Wrapped(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"json fence", "```json\n{\"summary\":\"s\",\"tone\":\"negative\"}\n```"},
		{"bare fence", "```\n{\"summary\":\"s\",\"tone\":\"negative\"}\n```"},
		{"prose around", "Sure! Here is the analysis:\n{\"summary\":\"s\",\"tone\":\"negative\"}\nLet me know if you need more."},
		{"braces in strings", `Result: {"summary":"s","tone":"negative","keywords":["a}b","{c"]}`},
		{"nested under a wrapper", `{"analysis":{"summary":"s","tone":"negative"}}`},
		{"leading non-insight object", `{"note":"x"} then {"summary":"s","tone":"negative"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, ParseOptions{})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Summary != "s" || got.Tone != storage.ToneNegative {
				t.Errorf("Parse = %+v", got)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "I could not analyze this feedback."},
		{"truncated", `{"summary":"Staff reported strong sales of sandals and`},
		{"no insight keys", `{"foo":"bar"}`},
		{"array", `["summary"]`},
		{"summary not a string", `{"summary":{"text":"x"},"tone":"neutral"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, ParseOptions{})
			if got := failure.KindOf(err); got != failure.MalformedResponse {
				t.Errorf("kind = %q, want %q (err: %v)", got, failure.MalformedResponse, err)
			}
			if failure.IsFatal(err) {
				t.Error("malformed output must be retryable")
			}
		})
	}
}

func TestParse_Tone(t *testing.T) {
	tests := []struct {
		in   string
		want storage.Tone
	}{
		{`"positive"`, storage.TonePositive},
		{`"  Negative "`, storage.ToneNegative},
		{`"mixed"`, storage.ToneNeutral},
		{`"very positive"`, storage.ToneNeutral},
		{`3`, storage.ToneNeutral},
		{`null`, storage.ToneNeutral},
	}
	for _, tt := range tests {
		got, err := Parse(`{"summary":"x","tone":`+tt.in+`}`, ParseOptions{})
		if err != nil {
			t.Fatalf("Parse(tone %s): %v", tt.in, err)
		}
		if got.Tone != tt.want {
			t.Errorf("tone %s = %q, want %q", tt.in, got.Tone, tt.want)
		}
	}
}

func TestParse_ToneScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`0.8`, 0.8},
		{`-2`, 0},
		{`7`, 1},
		{`"0.25"`, 0.25},
		{`"high"`, 0.5},
		{`true`, 0.5},
		{`null`, 0.5},
	}
	for _, tt := range tests {
		got, err := Parse(`{"summary":"x","tone_score":`+tt.in+`}`, ParseOptions{})
		if err != nil {
			t.Fatalf("Parse(score %s): %v", tt.in, err)
		}
		if got.ToneScore != tt.want {
			t.Errorf("tone_score %s = %v, want %v", tt.in, got.ToneScore, tt.want)
		}
	}

	got, _ := Parse(`{"summary":"x"}`, ParseOptions{})
	if got.ToneScore != 0.5 {
		t.Errorf("missing tone_score = %v, want 0.5", got.ToneScore)
	}
}

func TestParse_Lists(t *testing.T) {
	raw := `{"summary":"x","products":"Model X","issues":[" late delivery ","",3,true,{"a":1},null],"actions":{"a":"b"}}`
	got, err := Parse(raw, ParseOptions{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got.Products, []string{"Model X"}) {
		t.Errorf("products = %q", got.Products)
	}
	if !reflect.DeepEqual(got.Issues, []string{"late delivery", "3", "true"}) {
		t.Errorf("issues = %q", got.Issues)
	}
	if got.Actions == nil || len(got.Actions) != 0 {
		t.Errorf("actions = %#v, want empty list", got.Actions)
	}
	if got.Keywords == nil || len(got.Keywords) != 0 {
		t.Errorf("keywords = %#v, want empty list", got.Keywords)
	}
}

func TestParse_MaxItems(t *testing.T) {
	got, err := Parse(`{"keywords":["a","b","c","d"]}`, ParseOptions{MaxItems: 2})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(got.Keywords, []string{"a", "b"}) {
		t.Errorf("keywords = %q, want [a b]", got.Keywords)
	}
}
