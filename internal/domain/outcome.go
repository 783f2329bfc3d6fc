package domain

// Outcome is the terminal result of an answer request. It is one of
// *Answer, *Refusal or *Failure.
type Outcome interface {
	outcome()
}

// Answer is a generated, citation-backed reply. Degraded is set when the model
// output could not be parsed and Text holds the raw output instead.
type Answer struct {
	Text       string     `json:"answer"`
	Steps      []string   `json:"steps"`
	Citations  []string   `json:"citations"`
	Confidence float64    `json:"confidence"`
	RawOutput  string     `json:"raw_model_output"`
	Degraded   bool       `json:"degraded,omitempty"`
	Evidence   []Evidence `json:"evidence,omitempty"`
}

// Refusal means no generation call was made for the answer.
type Refusal struct {
	Reason     string  `json:"answer"`
	Note       string  `json:"note,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Failure means the generation call failed outright. Message is the fixed
// customer-safe text, Detail carries the provider error.
type Failure struct {
	Message string `json:"answer"`
	Detail  string `json:"error"`
}

func (*Answer) outcome()  {}
func (*Refusal) outcome() {}
func (*Failure) outcome() {}
