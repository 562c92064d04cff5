package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jobfront/jobfront/core/engine"
)

type taskCallRequest struct {
	TaskName  string                `json:"task_name"`
	Args      []any                 `json:"args"`
	Kwargs    map[string]any        `json:"kwargs"`
	JobType   string                `json:"job_type"`
	Condition *engine.WireCondition `json:"condition"`
}

func (s *server) handleTaskCall(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req taskCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	t, ok := s.tasks.Get(req.TaskName)
	if !ok {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Task %s is not registered.", req.TaskName))
		return
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = string(t.DefaultJobType)
	}
	if jobType == "" {
		jobType = string(engine.JobTypeThread)
	}
	if !s.cfg.JobTypeValid(jobType) {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Not valid job type: %s.", jobType))
		return
	}

	var opts []engine.JobOption
	if req.Condition != nil {
		cond, err := parseWireCondition(req.Condition)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, engine.WithCondition(cond))
	}

	job, err := t.CreateJob(engine.JobType(jobType), req.Args, req.Kwargs, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if caller != nil {
		job.SetAttr("user", *caller)
	}
	if err := s.eng.Submit(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

// parseWireCondition translates the transport condition form. Only the
// single-dependency variant is accepted at the wire level; the combinators
// stay embedded-only.
func parseWireCondition(wire *engine.WireCondition) (engine.Condition, error) {
	switch wire.Type {
	case "AfterAnother":
		jobID, _ := wire.Arguments["job_id"].(string)
		status, _ := wire.Arguments["status"].(string)
		if jobID == "" {
			return nil, fmt.Errorf("condition AfterAnother requires job_id")
		}
		if status == "" {
			status = string(engine.StatusDone)
		}
		if !engine.ValidStatus(status) {
			return nil, fmt.Errorf("unknown status %q in condition", status)
		}
		return engine.AfterAnother{JobID: jobID, Status: engine.Status(status)}, nil
	default:
		return nil, fmt.Errorf("Unsupported condition type: %s.", wire.Type)
	}
}

func (s *server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identify(r); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.List())
}
