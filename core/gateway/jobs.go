package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jobfront/jobfront/core/auth"
	"github.com/jobfront/jobfront/core/engine"
)

// resolveJob loads a job by path id and authorizes the caller against it.
func (s *server) resolveJob(r *http.Request) (*engine.Job, error) {
	job, err := s.eng.GetJobByID(r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := s.authorizeJob(r, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

func (s *server) handleJobList(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]JobView, 0)
	for _, job := range s.eng.AllJobs() {
		if caller != nil {
			ownerAttr, _ := job.Attr("user")
			if !auth.CanAccess(caller, auth.OwnerFromAttr(ownerAttr)) {
				continue
			}
		}
		out = append(out, serJob(job, s.cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.Cancel(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

func (s *server) handleJobRerun(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.Rerun(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

func (s *server) handleJobRemove(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.Remove(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

func (s *server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.Join(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := job.Result()
	if err != nil {
		// The job view rides along so clients can see why the result is
		// missing without a second request.
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"detail": err.Error(),
			"job":    serJob(job, s.cfg),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    serJob(job, s.cfg),
		"result": result,
	})
}

type jobWaitRequest struct {
	JobID     string   `json:"job_id"`
	Statuses  []string `json:"statuses"`
	TimeDelta float64  `json:"time_delta"`
}

// handleJobWait blocks until the job reaches one of the requested statuses.
// There is no server-side deadline; clients abort by closing the request.
func (s *server) handleJobWait(w http.ResponseWriter, r *http.Request) {
	var req jobWaitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.eng.GetJobByID(req.JobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorizeJob(r, job); err != nil {
		s.writeError(w, err)
		return
	}
	targets := make([]engine.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		if !engine.ValidStatus(raw) {
			writeDetail(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		targets = append(targets, engine.Status(raw))
	}
	if len(targets) == 0 {
		targets = []engine.Status{engine.StatusDone, engine.StatusFailed, engine.StatusCancelled}
	}
	interval := time.Duration(req.TimeDelta * float64(time.Second))
	if err := s.eng.Wait(r.Context(), job, targets, interval); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serJob(job, s.cfg))
}

func (s *server) handleJobStdout(w http.ResponseWriter, r *http.Request) {
	s.serveCaptured(w, r, engine.StdoutFile)
}

func (s *server) handleJobStderr(w http.ResponseWriter, r *http.Request) {
	s.serveCaptured(w, r, engine.StderrFile)
}

func (s *server) serveCaptured(w http.ResponseWriter, r *http.Request, name string) {
	job, err := s.resolveJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dir := job.CacheDir()
	if dir == "" {
		writeDetail(w, http.StatusBadRequest, "no captured output for job "+job.ID)
		return
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "no captured output for job "+job.ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(data)})
}
