package engine

import (
	"time"
)

// StatusProbe reports the current status of a job by ID. Conditions are
// evaluated against a probe so they stay decoupled from the engine registry.
type StatusProbe func(jobID string) (Status, bool)

// Condition gates a job's pending -> running transition.
type Condition interface {
	// Satisfied reports whether the gated job may start.
	Satisfied(probe StatusProbe) bool
	// Wire converts the condition into its transport form.
	Wire() WireCondition
}

// WireCondition is the tagged-variant transport form of a condition.
type WireCondition struct {
	Type      string         `json:"type"`
	Arguments map[string]any `json:"arguments"`
}

// AfterAnother is satisfied once the referenced job reaches the target status.
type AfterAnother struct {
	JobID  string
	Status Status
}

func (c AfterAnother) Satisfied(probe StatusProbe) bool {
	status, ok := probe(c.JobID)
	return ok && status == c.Status
}

func (c AfterAnother) Wire() WireCondition {
	return WireCondition{
		Type:      "AfterAnother",
		Arguments: map[string]any{"job_id": c.JobID, "status": string(c.Status)},
	}
}

// AfterOthers is satisfied once every referenced job reaches the target status.
type AfterOthers struct {
	JobIDs []string
	Status Status
}

func (c AfterOthers) Satisfied(probe StatusProbe) bool {
	for _, id := range c.JobIDs {
		status, ok := probe(id)
		if !ok || status != c.Status {
			return false
		}
	}
	return true
}

func (c AfterOthers) Wire() WireCondition {
	ids := make([]any, 0, len(c.JobIDs))
	for _, id := range c.JobIDs {
		ids = append(ids, id)
	}
	return WireCondition{
		Type:      "AfterOthers",
		Arguments: map[string]any{"job_ids": ids, "status": string(c.Status)},
	}
}

// AfterTimepoint is satisfied once the wall clock passes the timepoint.
type AfterTimepoint struct {
	Timepoint time.Time
}

func (c AfterTimepoint) Satisfied(StatusProbe) bool {
	return !time.Now().Before(c.Timepoint)
}

func (c AfterTimepoint) Wire() WireCondition {
	return WireCondition{
		Type:      "AfterTimepoint",
		Arguments: map[string]any{"timepoint": c.Timepoint.Format(time.RFC3339)},
	}
}

// AllSatisfied combines conditions; every member must hold.
type AllSatisfied struct {
	Conditions []Condition
}

func (c AllSatisfied) Satisfied(probe StatusProbe) bool {
	for _, sub := range c.Conditions {
		if !sub.Satisfied(probe) {
			return false
		}
	}
	return true
}

func (c AllSatisfied) Wire() WireCondition {
	subs := make([]any, 0, len(c.Conditions))
	for _, sub := range c.Conditions {
		subs = append(subs, sub.Wire())
	}
	return WireCondition{
		Type:      "AllSatisfied",
		Arguments: map[string]any{"conditions": subs},
	}
}

// AnySatisfied combines conditions; one member holding is enough.
type AnySatisfied struct {
	Conditions []Condition
}

func (c AnySatisfied) Satisfied(probe StatusProbe) bool {
	for _, sub := range c.Conditions {
		if sub.Satisfied(probe) {
			return true
		}
	}
	return false
}

func (c AnySatisfied) Wire() WireCondition {
	subs := make([]any, 0, len(c.Conditions))
	for _, sub := range c.Conditions {
		subs = append(subs, sub.Wire())
	}
	return WireCondition{
		Type:      "AnySatisfied",
		Arguments: map[string]any{"conditions": subs},
	}
}
