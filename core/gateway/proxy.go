package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/infra/logging"
)

// proxyJobCookie remembers which webapp job a browser session belongs to, so
// root-level asset requests can be routed back to it.
const proxyJobCookie = "proxy_job"

var refererJobPattern = regexp.MustCompile(`/proxy/app/([0-9a-fA-F-]+)`)

// proxyClient returns the pooled client for one backend. Webapp backends are
// short-lived, so pools are small and never evicted; an engine restart
// recycles the process anyway.
func (s *server) proxyClient(base string) *http.Client {
	s.proxyMu.Lock()
	defer s.proxyMu.Unlock()
	if c, ok := s.proxyClients[base]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     60 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Redirects go back to the browser so their targets can be
			// rewritten under the proxy prefix.
			return http.ErrUseLastResponse
		},
	}
	s.proxyClients[base] = c
	return c
}

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.dispatchProxy(w, r, r.PathValue("job_id"))
}

// handleRootDispatch recovers the owning webapp job for requests that hit
// the site root, using the proxy cookie first and the referer second.
func (s *server) handleRootDispatch(w http.ResponseWriter, r *http.Request) {
	jobID := ""
	if cookie, err := r.Cookie(proxyJobCookie); err == nil {
		jobID = strings.Trim(cookie.Value, `"`)
	}
	if jobID == "" {
		if m := refererJobPattern.FindStringSubmatch(r.Header.Get("Referer")); m != nil {
			jobID = m[1]
		}
	}
	if jobID == "" {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	s.dispatchProxy(w, r, jobID)
}

func (s *server) dispatchProxy(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.eng.GetJobByID(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.JobType != engine.JobTypeWebapp {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Job %s is not a webapp job.", jobID))
		return
	}
	addr := job.Address()
	if job.Status() != engine.StatusRunning || addr == nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Job %s is not running.", jobID))
		return
	}
	if err := s.authorizeJob(r, job); err != nil {
		s.writeError(w, err)
		return
	}

	prefix := "/proxy/app/" + jobID
	// The escaped path keeps percent-encoded segments intact for the backend.
	path := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	if path == "" {
		path = "/"
	}
	base := "http://" + addr.String()
	target := base + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	// The body is buffered so connect retries can resend it.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	client := s.proxyClient(base)
	var resp *http.Response
	for attempt := 1; attempt <= s.cfg.ProxyMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Header = r.Header.Clone()
		req.Header.Del("Connection")

		resp, err = client.Do(req)
		if err == nil {
			s.metrics.IncProxyAttempts("ok")
			break
		}
		s.metrics.IncProxyAttempts("error")
		if !isConnectError(err) || attempt == s.cfg.ProxyMaxAttempts {
			logging.Error(component, "proxy request failed", "job", jobID, "target", target, "error", err)
			writeDetail(w, http.StatusBadGateway, err.Error())
			return
		}
		logging.Debug(component, "proxy connect retry", "job", jobID, "attempt", attempt)
		select {
		case <-time.After(s.cfg.ProxyRetryDelay()):
		case <-r.Context().Done():
			writeDetail(w, http.StatusBadGateway, r.Context().Err().Error())
			return
		}
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		// The body is re-chunked by the server; a stale length would
		// truncate or stall the client.
		if http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}

	if resp.StatusCode == http.StatusTemporaryRedirect {
		location := resp.Header.Get("Location")
		if !strings.HasPrefix(location, "/") {
			location = "/" + location
		}
		header.Set("Location", prefix+location)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}
	header.Add("Set-Cookie", fmt.Sprintf(`%s=%q; Path=/`, proxyJobCookie, jobID))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug(component, "proxy body copy aborted", "job", jobID, "error", err)
	}
}

// isConnectError reports whether the failure happened before the backend
// accepted the connection, which is the only case worth retrying: webapp
// processes need a moment to bind their listener after the job flips to
// running.
func isConnectError(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(urlErr.Err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
