// Package response extracts a structured answer from loosely formatted model
// output.
package response

import (
	"strings"

	"github.com/tidwall/gjson"

	"supportrag/internal/domain"
)

// Parsed is the structured view of a model response. The Has* flags record
// which optional fields the model actually supplied.
type Parsed struct {
	Answer     string
	Steps      []string
	Citations  []string
	Confidence float64
	Raw        string
	Degraded   bool

	HasSteps      bool
	HasCitations  bool
	HasConfidence bool
}

// Parse takes the text between the first '{' and the last '}' and accepts it
// when it is a JSON object with an "answer" field. Anything else degrades to
// the raw text with zero confidence and no steps or citations.
func Parse(raw string) Parsed {
	raw = strings.TrimSpace(raw)
	if p, ok := parseObject(raw); ok {
		return p
	}
	return Parsed{
		Answer:        raw,
		Steps:         []string{},
		Citations:     []string{},
		Confidence:    0.0,
		Raw:           raw,
		Degraded:      true,
		HasSteps:      true,
		HasCitations:  true,
		HasConfidence: true,
	}
}

func parseObject(raw string) (Parsed, bool) {
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first == -1 || last == -1 || last <= first {
		return Parsed{}, false
	}
	candidate := raw[first : last+1]
	if !gjson.Valid(candidate) {
		return Parsed{}, false
	}
	obj := gjson.Parse(candidate)
	if !obj.IsObject() {
		return Parsed{}, false
	}
	answer := obj.Get("answer")
	if !answer.Exists() {
		return Parsed{}, false
	}

	p := Parsed{Answer: answer.String(), Raw: raw}
	if v := obj.Get("steps"); v.Exists() {
		p.HasSteps = true
		p.Steps = stringArray(v)
	}
	if v := obj.Get("citations"); v.Exists() {
		p.HasCitations = true
		p.Citations = stringArray(v)
	}
	if v := obj.Get("confidence"); v.Exists() {
		p.HasConfidence = true
		p.Confidence = v.Float()
	}
	return p, true
}

func stringArray(v gjson.Result) []string {
	if v.Type == gjson.Null {
		return []string{}
	}
	items := v.Array()
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.String())
	}
	return out
}

// FillDefaults sets missing optional fields to safe defaults without touching
// the ones the model supplied.
func (p *Parsed) FillDefaults() {
	if !p.HasSteps || p.Steps == nil {
		p.Steps = []string{}
		p.HasSteps = true
	}
	if !p.HasCitations || p.Citations == nil {
		p.Citations = []string{}
		p.HasCitations = true
	}
	if !p.HasConfidence {
		p.Confidence = 0.0
		p.HasConfidence = true
	}
}

// ToAnswer converts the parsed response into an answer outcome.
func (p Parsed) ToAnswer() *domain.Answer {
	p.FillDefaults()
	return &domain.Answer{
		Text:       p.Answer,
		Steps:      p.Steps,
		Citations:  p.Citations,
		Confidence: p.Confidence,
		RawOutput:  p.Raw,
		Degraded:   p.Degraded,
	}
}
