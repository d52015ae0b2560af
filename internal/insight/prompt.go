// Package insight turns a feedback transcript into a structured insight: it
// renders the instruction prompt, calls the completion backend, and parses
// whatever the model returned.
package insight

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/kalambet/storevoice/internal/llm"
)

// DefaultTemplate is the built-in system instruction. Templates may refer to
// .Transcript, .StoreCode and .RecordedDate.
const DefaultTemplate = `You are an expert retail analyst. Analyze store staff feedback and extract structured insights.

Your response MUST be valid JSON with exactly this structure:
{
    "summary": "Brief 2-3 sentence summary of the feedback",
    "tone": "positive" or "negative" or "neutral",
    "tone_score": 0.0 to 1.0 (0=very negative, 0.5=neutral, 1=very positive),
    "products": ["product1", "product2"],
    "issues": ["issue1", "issue2"],
    "actions": ["action1", "action2"],
    "keywords": ["keyword1", "keyword2"]
}

Guidelines:
- summary: Capture the main points in 2-3 sentences
- tone: Overall sentiment (positive/negative/neutral)
- tone_score: Numerical sentiment (0.0-1.0)
- products: Extract specific product names, brands, or categories mentioned
- issues: Problems, complaints, challenges mentioned by staff or customers
- actions: Suggested or needed actions, requests, improvements
- keywords: Key topics, themes, or important terms

If a category has no items, use an empty array [].
Always respond with valid JSON only, no additional text.`

const userTemplate = `Analyze this store staff feedback transcription and extract structured insights:

---
%s
---

Remember to respond with valid JSON only.`

// PromptData is the data a template is executed with.
type PromptData struct {
	Transcript   string
	StoreCode    string
	RecordedDate string
}

// Prompt is a compiled instruction template.
type Prompt struct {
	tmpl *template.Template
}

// NewPrompt compiles text. An empty text selects DefaultTemplate.
func NewPrompt(text string) (*Prompt, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("insight").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// Messages renders the system instruction and the user message carrying the
// transcript.
func (p *Prompt) Messages(data PromptData) ([]llm.Message, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("rendering prompt template: %w", err)
	}
	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: fmt.Sprintf(userTemplate, data.Transcript)},
	}, nil
}
