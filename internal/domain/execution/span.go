// Package execution models the span scaffolding reported with every agent
// invocation: one repo span parented on the caller's span, and one agent span
// per unit of agent work beneath it.
package execution

import "time"

// SpanType distinguishes the repo-level span from agent work spans.
type SpanType string

const (
	SpanRepo  SpanType = "repo"
	SpanAgent SpanType = "agent"
)

// SpanStatus is the span lifecycle state. Transitions are
// running → completed and running → failed only.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanCompleted SpanStatus = "completed"
	SpanFailed    SpanStatus = "failed"
)

// Artifact references an output a span produced. The reference is opaque to
// the engine (an id, URI or hash the caller understands).
type Artifact struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Reference      string `json:"reference"`
	ProducerSpanID string `json:"producer_span_id"`
}

// Span is one node of the execution tree. A span is never mutated after its
// status leaves running.
type Span struct {
	Type         SpanType   `json:"type"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	RepoName     string     `json:"repo_name"`
	AgentName    string     `json:"agent_name,omitempty"`
	Status       SpanStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewRepoSpan opens the repo-level span under the caller's parent span.
func NewRepoSpan(id, parentSpanID, repoName string, start time.Time) *Span {
	return &Span{
		Type:         SpanRepo,
		SpanID:       id,
		ParentSpanID: parentSpanID,
		RepoName:     repoName,
		Status:       SpanRunning,
		StartTime:    start,
	}
}

// NewAgentSpan opens an agent span parented on the repo span.
func NewAgentSpan(id string, repo *Span, agentName string, start time.Time) *Span {
	return &Span{
		Type:         SpanAgent,
		SpanID:       id,
		ParentSpanID: repo.SpanID,
		RepoName:     repo.RepoName,
		AgentName:    agentName,
		Status:       SpanRunning,
		StartTime:    start,
	}
}

// Complete finalizes the span as completed. No-op once finalized.
func (s *Span) Complete(end time.Time) {
	s.finalize(SpanCompleted, end, "")
}

// Fail finalizes the span as failed with the error message.
func (s *Span) Fail(end time.Time, errMsg string) {
	s.finalize(SpanFailed, end, errMsg)
}

func (s *Span) finalize(status SpanStatus, end time.Time, errMsg string) {
	if s.Status != SpanRunning {
		return
	}
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.Status = status
	s.EndTime = &end
	s.Error = errMsg
}

// AddArtifact attaches an artifact to a still-running span.
func (s *Span) AddArtifact(id, artifactType, reference string) {
	if s.Status != SpanRunning {
		return
	}
	s.Artifacts = append(s.Artifacts, Artifact{
		ID:             id,
		Type:           artifactType,
		Reference:      reference,
		ProducerSpanID: s.SpanID,
	})
}

// Duration is the span's elapsed time, zero while still running.
func (s *Span) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Tracker assembles the span tree for one request and finalizes it in
// reverse order on exit.
type Tracker struct {
	now    func() time.Time
	newID  func() string
	repo   *Span
	agents []*Span
}

// NewTracker opens the repo span for a request. parentSpanID comes from the
// caller's execution context.
func NewTracker(repoName, parentSpanID string, now func() time.Time, newID func() string) *Tracker {
	t := &Tracker{now: now, newID: newID}
	t.repo = NewRepoSpan(newID(), parentSpanID, repoName, now())
	return t
}

// StartAgent opens an agent span under the repo span.
func (t *Tracker) StartAgent(agentName string) *Span {
	span := NewAgentSpan(t.newID(), t.repo, agentName, t.now())
	t.agents = append(t.agents, span)
	return span
}

// Finish finalizes every running span, agents first, repo last. A non-empty
// errMsg marks still-running spans failed.
func (t *Tracker) Finish(errMsg string) {
	end := t.now()
	for i := len(t.agents) - 1; i >= 0; i-- {
		if errMsg != "" {
			t.agents[i].Fail(end, errMsg)
		} else {
			t.agents[i].Complete(end)
		}
	}
	if errMsg != "" {
		t.repo.Fail(end, errMsg)
	} else {
		t.repo.Complete(end)
	}
}

// Repo returns the repo span.
func (t *Tracker) Repo() *Span { return t.repo }

// Agents returns the agent spans in creation order.
func (t *Tracker) Agents() []*Span { return t.agents }

// Validate checks the structural invariants of the finished tree: at least
// one agent span, every agent parented on the repo span, and end after start
// on every finalized span.
func (t *Tracker) Validate() error {
	if len(t.agents) == 0 {
		return &InvariantError{Reason: "no agent span recorded for repo span " + t.repo.SpanID}
	}
	for _, a := range t.agents {
		if a.ParentSpanID != t.repo.SpanID {
			return &InvariantError{Reason: "agent span " + a.SpanID + " not parented on repo span"}
		}
		if a.EndTime != nil && a.EndTime.Before(a.StartTime) {
			return &InvariantError{Reason: "agent span " + a.SpanID + " ends before it starts"}
		}
	}
	if t.repo.EndTime != nil && t.repo.EndTime.Before(t.repo.StartTime) {
		return &InvariantError{Reason: "repo span ends before it starts"}
	}
	return nil
}
