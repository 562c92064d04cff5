package gateway

import (
	"time"

	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/infra/config"
)

// JobView is the transport-safe representation of a job. The reserved
// "user" attribute is always redacted; "address" is redacted while the
// proxy surface is enabled, since only the dispatcher should use it.
type JobView struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Args        []any                 `json:"args"`
	Kwargs      map[string]any        `json:"kwargs"`
	Condition   *engine.WireCondition `json:"condition"`
	Status      string                `json:"status"`
	JobType     string                `json:"job_type"`
	CreatedTime *string               `json:"created_time"`
	SubmitTime  *string               `json:"submit_time"`
	StoppedTime *string               `json:"stopped_time"`
	Attrs       map[string]any        `json:"attrs"`
}

func serJob(job *engine.Job, cfg *config.Config) JobView {
	view := JobView{
		ID:          job.ID,
		Name:        job.Name,
		Args:        job.Args,
		Kwargs:      job.Kwargs,
		Status:      string(job.Status()),
		JobType:     string(job.JobType),
		CreatedTime: formatTime(job.CreatedAt()),
		SubmitTime:  formatTime(job.SubmittedAt()),
		StoppedTime: formatTime(job.StoppedAt()),
		Attrs:       redactAttrs(job.Attrs(), cfg),
	}
	if job.Condition != nil {
		wire := job.Condition.Wire()
		view.Condition = &wire
	}
	return view
}

func viewFromRecord(rec engine.JobRecord, cfg *config.Config) JobView {
	attrs := make(map[string]any, len(rec.Attrs))
	for k, v := range rec.Attrs {
		attrs[k] = v
	}
	return JobView{
		ID:          rec.ID,
		Name:        rec.Name,
		Args:        rec.Args,
		Kwargs:      rec.Kwargs,
		Condition:   rec.Condition,
		Status:      rec.Status,
		JobType:     rec.JobType,
		CreatedTime: formatTimePtr(rec.CreatedAt),
		SubmitTime:  formatTimePtr(rec.SubmittedAt),
		StoppedTime: formatTimePtr(rec.StoppedAt),
		Attrs:       redactAttrs(attrs, cfg),
	}
}

func redactAttrs(attrs map[string]any, cfg *config.Config) map[string]any {
	delete(attrs, "user")
	if cfg.RouterEnabled("proxy") {
		delete(attrs, "address")
	}
	return attrs
}

func formatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
