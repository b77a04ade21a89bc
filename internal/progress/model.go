package progress

import (
	"math"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of a single review agent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Phase is the coarse stage of the overall review run.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseAgentsRunning Phase = "agents-running"
	PhaseSynthesizing  Phase = "synthesizing"
	PhasePublishing    Phase = "publishing"
	PhaseCompleted     Phase = "completed"
)

// phaseBase is the fixed contribution of each phase to the overall
// percentage. The remaining 80 points come from agent completion.
var phaseBase = map[Phase]float64{
	PhaseInitializing:  0,
	PhaseAgentsRunning: 5,
	PhaseSynthesizing:  10,
	PhasePublishing:    15,
	PhaseCompleted:     20,
}

// Agent tracks one named unit of review work.
type Agent struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Status      AgentStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Model is the canonical progress view for one review job.
type Model struct {
	Agents          []Agent   `json:"agents"`
	CurrentPhase    Phase     `json:"current_phase"`
	OverallProgress int       `json:"overall_progress"`
	LastUpdate      time.Time `json:"last_update"`
}

// NewModel creates a model with the given agent roster, all pending.
// Names not in the roster may still be admitted later via ensureAgent.
func NewModel(agentNames []string) *Model {
	m := &Model{
		CurrentPhase: PhaseInitializing,
		LastUpdate:   time.Now(),
	}
	for _, name := range agentNames {
		m.Agents = append(m.Agents, Agent{
			Name:        name,
			DisplayName: DisplayName(name),
			Status:      AgentPending,
		})
	}
	m.OverallProgress = m.Score()
	return m
}

// DisplayName derives a human-readable name from an agent identifier
// by splitting on '-' and title-casing each segment
// ("security-review" -> "Security Review").
func DisplayName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// agentScore maps an agent status to its completion weight. Failed
// agents count as done: the work concluded, just not successfully.
func agentScore(s AgentStatus) float64 {
	switch s {
	case AgentRunning:
		return 0.5
	case AgentCompleted, AgentFailed:
		return 1
	default:
		return 0
	}
}

// Score computes the overall percentage from the phase and the agent
// roster. With no agents the score is 0 regardless of phase.
func (m *Model) Score() int {
	if len(m.Agents) == 0 {
		return 0
	}
	var sum float64
	for _, a := range m.Agents {
		sum += agentScore(a.Status)
	}
	ratio := sum / float64(len(m.Agents))
	return int(math.Round(phaseBase[m.CurrentPhase] + ratio*80))
}

// find returns the index of the named agent, or -1.
func (m *Model) find(name string) int {
	for i := range m.Agents {
		if m.Agents[i].Name == name {
			return i
		}
	}
	return -1
}

// ensureAgent returns the index of the named agent, admitting it to
// the roster as pending if absent. Unknown agents are expected; the
// reviewer decides its own roster at runtime.
func (m *Model) ensureAgent(name string) int {
	if i := m.find(name); i >= 0 {
		return i
	}
	m.Agents = append(m.Agents, Agent{
		Name:        name,
		DisplayName: DisplayName(name),
		Status:      AgentPending,
	})
	return len(m.Agents) - 1
}

// touch recomputes the score and stamps the update time. Called after
// every real mutation.
func (m *Model) touch(now time.Time) {
	m.OverallProgress = m.Score()
	m.LastUpdate = now
}

// StartAgent transitions an agent to running. Returns false if the
// agent was already running (idempotent re-start, no event).
func (m *Model) StartAgent(name string, now time.Time) bool {
	i := m.ensureAgent(name)
	if m.Agents[i].Status == AgentRunning {
		return false
	}
	m.Agents[i].Status = AgentRunning
	t := now
	m.Agents[i].StartedAt = &t
	m.touch(now)
	return true
}

// CompleteAgent transitions an agent to completed, or to failed when
// errMsg is non-empty. Returns false if the agent was already
// terminal with the same outcome.
func (m *Model) CompleteAgent(name string, errMsg string, now time.Time) bool {
	i := m.ensureAgent(name)
	target := AgentCompleted
	if errMsg != "" {
		target = AgentFailed
	}
	if m.Agents[i].Status == target {
		return false
	}
	m.Agents[i].Status = target
	t := now
	m.Agents[i].CompletedAt = &t
	m.Agents[i].Error = errMsg
	m.touch(now)
	return true
}

// SetPhase sets the current phase. Setting the same phase twice is a
// no-op and returns false.
func (m *Model) SetPhase(p Phase, now time.Time) bool {
	if m.CurrentPhase == p {
		return false
	}
	m.CurrentPhase = p
	m.touch(now)
	return true
}

// MarkAllCompleted forces every non-terminal agent to completed and
// the model to its final successful shape. Used when the run as a
// whole succeeded.
func (m *Model) MarkAllCompleted(now time.Time) {
	for i := range m.Agents {
		if m.Agents[i].Status == AgentCompleted || m.Agents[i].Status == AgentFailed {
			continue
		}
		m.Agents[i].Status = AgentCompleted
		t := now
		m.Agents[i].CompletedAt = &t
	}
	m.CurrentPhase = PhaseCompleted
	m.LastUpdate = now
	m.OverallProgress = 100
}

// MarkFailed marks every currently-running agent as failed with the
// given reason. Pending agents never ran and are left untouched; the
// phase is not forced.
func (m *Model) MarkFailed(reason string, now time.Time) {
	for i := range m.Agents {
		if m.Agents[i].Status != AgentRunning {
			continue
		}
		m.Agents[i].Status = AgentFailed
		t := now
		m.Agents[i].CompletedAt = &t
		m.Agents[i].Error = reason
	}
	m.touch(now)
}

// Clone returns a deep copy. Snapshots handed to consumers must not
// alias aggregator-owned state.
func (m *Model) Clone() *Model {
	cp := &Model{
		CurrentPhase:    m.CurrentPhase,
		OverallProgress: m.OverallProgress,
		LastUpdate:      m.LastUpdate,
		Agents:          make([]Agent, len(m.Agents)),
	}
	copy(cp.Agents, m.Agents)
	for i := range cp.Agents {
		if m.Agents[i].StartedAt != nil {
			t := *m.Agents[i].StartedAt
			cp.Agents[i].StartedAt = &t
		}
		if m.Agents[i].CompletedAt != nil {
			t := *m.Agents[i].CompletedAt
			cp.Agents[i].CompletedAt = &t
		}
	}
	return cp
}
