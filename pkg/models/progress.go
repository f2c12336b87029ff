package models

// ProgressVersion marks the journal file format.
const ProgressVersion = "1.0"

// Iteration journal statuses.
const (
	IterationRunning   = "running"
	IterationCompleted = "completed"
	IterationFailed    = "failed"
)

// AutoCreatedReason marks placeholder iterations inserted when a progress
// update references an iteration number beyond the recorded entries.
const AutoCreatedReason = "auto-created"

// ActionRecord is one logged worker action inside an iteration.
type ActionRecord struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	Success   bool   `json:"success"`
}

// IterationRecord is one iteration's journal entry.
type IterationRecord struct {
	Number       int            `json:"number"`
	Goal         string         `json:"goal,omitempty"`
	Start        int64          `json:"start"`
	End          *int64         `json:"end,omitempty"`
	Status       string         `json:"status"`
	DurationS    float64        `json:"duration_s"`
	Actions      []ActionRecord `json:"actions"`
	Achievements []string       `json:"achievements"`
	Challenges   []string       `json:"challenges"`
	NextSteps    []string       `json:"next_steps"`
	Summary      string         `json:"summary,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Milestone is a session-level achievement outside any one iteration.
type Milestone struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Impact    string `json:"impact,omitempty"`
}

// ProgressFile is the on-disk journal for one session.
type ProgressFile struct {
	SessionID        string            `json:"sessionId"`
	StartTime        int64             `json:"startTime"`
	TotalIterations  int               `json:"totalIterations"`
	CurrentIteration int               `json:"currentIteration"`
	Status           string            `json:"status"`
	Iterations       []IterationRecord `json:"iterations"`
	Milestones       []Milestone       `json:"milestones"`
	OverallSummary   string            `json:"overallSummary,omitempty"`
	LastUpdate       int64             `json:"lastUpdate"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Version          string            `json:"version"`
	Error            string            `json:"error,omitempty"`
}

// CurrentIterationRecord returns the journal entry the session is
// currently working on, or nil when no iteration has started.
func (p *ProgressFile) CurrentIterationRecord() *IterationRecord {
	for i := range p.Iterations {
		if p.Iterations[i].Number == p.CurrentIteration {
			return &p.Iterations[i]
		}
	}
	if n := len(p.Iterations); n > 0 {
		return &p.Iterations[n-1]
	}
	return nil
}
