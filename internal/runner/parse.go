package runner

import (
	"encoding/json"
	"strings"

	"github.com/mergehawk-dev/mergehawk/internal/progress"
)

// Reviewer output carries progress on two channels. Modern reviewers
// emit structured lines:
//
//	MH_PROGRESS {"event":"agent_start","agent":"security-review"}
//	MH_PROGRESS {"event":"agent_complete","agent":"security-review","error":"..."}
//	MH_PROGRESS {"event":"phase","phase":"synthesizing"}
//
// Older ones emit free-text markers:
//
//	[agent-start security-review]
//	[agent-done security-review]
//	[agent-fail security-review: linter crashed]
//	[phase synthesizing]
//
// Both may appear in the same run; the tracker prefers structured
// updates once it has seen one.

const structuredPrefix = "MH_PROGRESS "

type structuredUpdate struct {
	Event string `json:"event"`
	Agent string `json:"agent,omitempty"`
	Phase string `json:"phase,omitempty"`
	Error string `json:"error,omitempty"`
}

// applyLine feeds one reviewer output line into the tracker. Returns
// the resulting event, or nil for non-progress lines and no-ops.
func applyLine(tr *progress.Tracker, fingerprint, line string) *progress.Event {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, structuredPrefix) {
		var u structuredUpdate
		if err := json.Unmarshal([]byte(line[len(structuredPrefix):]), &u); err != nil {
			// Malformed structured line; ignore rather than fail the run.
			return nil
		}
		switch u.Event {
		case "agent_start":
			if u.Agent != "" {
				return tr.StartAgent(fingerprint, progress.SourceStructured, u.Agent)
			}
		case "agent_complete":
			if u.Agent != "" {
				return tr.CompleteAgent(fingerprint, progress.SourceStructured, u.Agent, u.Error)
			}
		case "phase":
			if u.Phase != "" {
				return tr.SetPhase(fingerprint, progress.SourceStructured, progress.Phase(u.Phase))
			}
		}
		return nil
	}

	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return nil
	}
	body := line[1 : len(line)-1]
	switch {
	case strings.HasPrefix(body, "agent-start "):
		return tr.StartAgent(fingerprint, progress.SourceMarker, strings.TrimSpace(body[len("agent-start "):]))
	case strings.HasPrefix(body, "agent-done "):
		return tr.CompleteAgent(fingerprint, progress.SourceMarker, strings.TrimSpace(body[len("agent-done "):]), "")
	case strings.HasPrefix(body, "agent-fail "):
		rest := strings.TrimSpace(body[len("agent-fail "):])
		name, msg := rest, "failed"
		if i := strings.Index(rest, ":"); i >= 0 {
			name = strings.TrimSpace(rest[:i])
			msg = strings.TrimSpace(rest[i+1:])
		}
		return tr.CompleteAgent(fingerprint, progress.SourceMarker, name, msg)
	case strings.HasPrefix(body, "phase "):
		return tr.SetPhase(fingerprint, progress.SourceMarker, progress.Phase(strings.TrimSpace(body[len("phase "):])))
	}
	return nil
}
