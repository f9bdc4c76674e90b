package protocol

import "time"

// FragmentTranscript is published once per fragment, in fragment order.
type FragmentTranscript struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunCompleted summarizes a finished run.
type RunCompleted struct {
	RunID      string    `json:"run_id"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	Variant    string    `json:"variant"`
	Fragments  int       `json:"fragments"`
	Failed     int       `json:"failed"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectFragment     = "transcript.fragment"
	SubjectRunCompleted = "transcript.run.completed"
)
