package state

import (
	"encoding/json"
	"strings"

	"github.com/seqora/cadence/model"
)

// Sanitize returns a cleaned copy of the state containing only canonical
// fields with canonical values. Callers routinely hand back states decorated
// by external stage processors; everything outside the declared schema is
// dropped here rather than rejected, so a single malformed entry never sinks
// the whole record.
//
// Sanitize is idempotent: sanitizing twice yields the same result as once.
func Sanitize(s model.WorkflowState) model.WorkflowState {
	out := s

	out.CurrentStage = canonicalStage(s.CurrentStage)
	if !KnownStage(out.CurrentStage) {
		out.CurrentStage = model.StageFailed
	}

	// Completed stages: coerce tags, drop unknown and duplicate entries, and
	// never let the set contain the active stage.
	out.CompletedStages = nil
	seen := make(map[model.Stage]bool, len(s.CompletedStages))
	for _, cs := range s.CompletedStages {
		c := canonicalStage(cs)
		if !KnownStage(c) || c == out.CurrentStage || seen[c] {
			continue
		}
		seen[c] = true
		out.CompletedStages = append(out.CompletedStages, c)
	}

	// Stage payloads keyed by anything outside the stage set are foreign.
	out.StagePayloads = nil
	if len(s.StagePayloads) > 0 {
		out.StagePayloads = make(map[model.Stage]map[string]any, len(s.StagePayloads))
		for k, v := range s.StagePayloads {
			c := canonicalStage(k)
			if !KnownStage(c) || v == nil {
				continue
			}
			out.StagePayloads[c] = v
		}
		if len(out.StagePayloads) == 0 {
			out.StagePayloads = nil
		}
	}

	// Error log: keep only records that carry information.
	out.ErrorLog = nil
	for _, rec := range s.ErrorLog {
		if rec.Kind == "" && rec.Message == "" {
			continue
		}
		out.ErrorLog = append(out.ErrorLog, rec)
	}

	if out.RetryCount < 0 {
		out.RetryCount = 0
	}
	switch {
	case out.Priority == 0:
		out.Priority = DefaultPriority
	case out.Priority < 1:
		out.Priority = 1
	case out.Priority > 10:
		out.Priority = 10
	}

	if out.LastUpdatedAt.Before(out.StartedAt) {
		out.LastUpdatedAt = out.StartedAt
	}
	if !out.Paused {
		out.PausedAt = nil
	}

	return out
}

// Serialize encodes a sanitized state as JSON. Timestamps render as RFC 3339,
// stages as their string tags, nested records as structured objects.
func Serialize(s model.WorkflowState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, model.NewPersistenceError("serialize workflow state: " + err.Error())
	}
	return data, nil
}

// Deserialize decodes a stored document back into a canonical state. Unknown
// top-level fields are dropped by the fixed schema, and the result is
// re-sanitized so that deserialize(serialize(sanitize(s))) == sanitize(s).
func Deserialize(data []byte) (model.WorkflowState, error) {
	var s model.WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return model.WorkflowState{}, model.NewPersistenceError("deserialize workflow state: " + err.Error())
	}
	return Sanitize(s), nil
}

// canonicalStage lowercases a stage tag so that values produced by callers
// using upper-case enum names coerce to the canonical form.
func canonicalStage(s model.Stage) model.Stage {
	return model.Stage(strings.ToLower(strings.TrimSpace(string(s))))
}
