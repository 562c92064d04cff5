package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/infra/config"
	"github.com/jobfront/jobfront/core/task"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.Load()
	cfg.AllowedRouters = []string{"task", "job"}
	cfg.ValidJobTypes = []string{"local", "thread", "process", "subprocess", "webapp"}
	cfg.RedirectOutErr = true
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*server, *httptest.Server) {
	t.Helper()
	cfg := testConfig(mutate)
	eng := engine.New(engine.Options{CacheDir: t.TempDir(), Redirect: cfg.RedirectOutErr})
	t.Cleanup(eng.Close)

	tasks := task.NewRegistry()
	tasks.MustRegister(&task.Task{
		Name: "echo",
		Fn: func(ctx context.Context, rc engine.RunContext) (any, error) {
			message := rc.Kwargs["message"]
			fmt.Fprintf(rc.Stdout, "%v", message)
			return message, nil
		},
	})
	tasks.MustRegister(&task.Task{
		Name: "block",
		Fn: func(ctx context.Context, rc engine.RunContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	tasks.MustRegister(&task.Task{
		Name: "fail",
		Fn: func(ctx context.Context, rc engine.RunContext) (any, error) {
			return nil, fmt.Errorf("exploded")
		},
	})

	s := newServer(Deps{Config: cfg, Engine: eng, Tasks: tasks})
	ts := httptest.NewServer(s.corsMiddleware(s.routes()))
	t.Cleanup(ts.Close)
	return s, ts
}

func callTask(t *testing.T, ts *httptest.Server, body map[string]any) (JobView, *http.Response) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/task/call", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	// Buffer the body so callers can still decode error details.
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	var view JobView
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, &view); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return view, resp
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	return out["detail"]
}

func getJSON[T any](t *testing.T, url string) (T, *http.Response) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out T
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return out, resp
}

func waitForStatus(t *testing.T, ts *httptest.Server, jobID, want string) JobView {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"job_id":     jobID,
		"statuses":   []string{want},
		"time_delta": 0.01,
	})
	resp, err := http.Post(ts.URL+"/job/wait", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("wait status = %d: %s", resp.StatusCode, body)
	}
	var view JobView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode wait: %v", err)
	}
	return view
}

func TestTaskCallRunsJob(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	view, resp := callTask(t, ts, map[string]any{
		"task_name": "echo",
		"kwargs":    map[string]any{"message": "hi"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if view.ID == "" || view.Name != "echo" || view.JobType != "thread" {
		t.Fatalf("view = %+v", view)
	}
	if _, ok := view.Attrs["user"]; ok {
		t.Fatalf("user attr leaked: %v", view.Attrs)
	}

	done := waitForStatus(t, ts, view.ID, "done")
	if done.Status != "done" {
		t.Fatalf("status = %s", done.Status)
	}

	result, resp2 := getJSON[map[string]any](t, ts.URL+"/job/result/"+view.ID)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d", resp2.StatusCode)
	}
	if result["result"] != "hi" {
		t.Fatalf("result = %v", result)
	}
	jobPart, ok := result["job"].(map[string]any)
	if !ok || jobPart["id"] != view.ID || jobPart["status"] != "done" {
		t.Fatalf("job envelope = %v", result["job"])
	}
}

func TestTaskCallUnknownTask(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	_, resp := callTask(t, ts, map[string]any{"task_name": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "not registered") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestTaskCallInvalidJobType(t *testing.T) {
	_, ts := newTestGateway(t, func(cfg *config.Config) {
		cfg.ValidJobTypes = []string{"process"}
	})
	_, resp := callTask(t, ts, map[string]any{"task_name": "echo", "job_type": "thread"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "Not valid job type") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestTaskCallUnsupportedCondition(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	_, resp := callTask(t, ts, map[string]any{
		"task_name": "echo",
		"condition": map[string]any{"type": "AfterOthers", "arguments": map[string]any{}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "Unsupported condition type: AfterOthers") {
		t.Fatalf("detail = %q", detail)
	}
}

func TestTaskCallWithConditionOrdering(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	blocker, _ := callTask(t, ts, map[string]any{"task_name": "block"})
	gated, resp := callTask(t, ts, map[string]any{
		"task_name": "echo",
		"kwargs":    map[string]any{"message": "later"},
		"condition": map[string]any{
			"type":      "AfterAnother",
			"arguments": map[string]any{"job_id": blocker.ID, "status": "cancelled"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gated.Condition == nil || gated.Condition.Type != "AfterAnother" {
		t.Fatalf("condition = %+v", gated.Condition)
	}

	time.Sleep(100 * time.Millisecond)
	view, _ := getJSON[JobView](t, ts.URL+"/job/status/"+gated.ID)
	if view.Status != "pending" {
		t.Fatalf("gated job is %s before its dependency finished", view.Status)
	}

	if _, resp := getJSON[JobView](t, ts.URL+"/job/cancel/"+blocker.ID); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	done := waitForStatus(t, ts, gated.ID, "done")
	if done.Status != "done" {
		t.Fatalf("gated job = %s", done.Status)
	}
}

func TestTaskList(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	list, resp := getJSON[[]task.Descriptor](t, ts.URL+"/task/list_all")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(list) != 3 {
		t.Fatalf("tasks = %v", list)
	}
	if list[0].Name != "block" {
		t.Fatalf("list not sorted: %v", list)
	}
}

func TestJobStatusUnknownID(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	_, resp := getJSON[JobView](t, ts.URL+"/job/status/ghost")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestJobCancelAndRerun(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	view, _ := callTask(t, ts, map[string]any{"task_name": "block"})
	waitForStatus(t, ts, view.ID, "running")

	cancelled, resp := getJSON[JobView](t, ts.URL+"/job/cancel/"+view.ID)
	if resp.StatusCode != http.StatusOK || cancelled.Status != "cancelled" {
		t.Fatalf("cancel: status=%d view=%+v", resp.StatusCode, cancelled)
	}

	// Cancelling again is an invalid transition.
	_, resp = getJSON[JobView](t, ts.URL+"/job/cancel/"+view.ID)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}

	if _, resp := getJSON[JobView](t, ts.URL+"/job/re_run/"+view.ID); resp.StatusCode != http.StatusOK {
		t.Fatalf("rerun status = %d", resp.StatusCode)
	}
	waitForStatus(t, ts, view.ID, "running")
}

func TestJobRerunWhileRunningFails(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	view, _ := callTask(t, ts, map[string]any{"task_name": "block"})
	waitForStatus(t, ts, view.ID, "running")
	if _, resp := getJSON[JobView](t, ts.URL+"/job/re_run/"+view.ID); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("rerun status = %d", resp.StatusCode)
	}
}

func TestJobRemove(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	view, _ := callTask(t, ts, map[string]any{"task_name": "echo", "kwargs": map[string]any{"message": "x"}})
	waitForStatus(t, ts, view.ID, "done")

	if _, resp := getJSON[JobView](t, ts.URL+"/job/remove/"+view.ID); resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	if _, resp := getJSON[JobView](t, ts.URL+"/job/status/"+view.ID); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("removed job still resolvable")
	}
}

func TestJobResultOfFailedJob(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	view, _ := callTask(t, ts, map[string]any{"task_name": "fail"})
	waitForStatus(t, ts, view.ID, "failed")

	resp, err := http.Get(ts.URL + "/job/result/" + view.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("result status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["detail"] == nil || out["detail"] == "" {
		t.Fatalf("missing detail: %v", out)
	}
	jobPart, ok := out["job"].(map[string]any)
	if !ok || jobPart["id"] != view.ID || jobPart["status"] != "failed" {
		t.Fatalf("job envelope = %v", out["job"])
	}
}

func TestJobList(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	first, _ := callTask(t, ts, map[string]any{"task_name": "echo", "kwargs": map[string]any{"message": "a"}})
	second, _ := callTask(t, ts, map[string]any{"task_name": "echo", "kwargs": map[string]any{"message": "b"}})

	list, resp := getJSON[[]JobView](t, ts.URL+"/job/list_all")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ids := map[string]bool{}
	for _, v := range list {
		ids[v.ID] = true
	}
	if !ids[first.ID] || !ids[second.ID] {
		t.Fatalf("list missing jobs: %v", ids)
	}
}

func TestJobStdout(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	view, _ := callTask(t, ts, map[string]any{"task_name": "echo", "kwargs": map[string]any{"message": "captured"}})
	waitForStatus(t, ts, view.ID, "done")

	out, resp := getJSON[map[string]string](t, ts.URL+"/job/stdout/"+view.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["content"] != "captured" {
		t.Fatalf("content = %q", out["content"])
	}

	errOut, resp := getJSON[map[string]string](t, ts.URL+"/job/stderr/"+view.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stderr status = %d", resp.StatusCode)
	}
	if errOut["content"] != "" {
		t.Fatalf("stderr = %q", errOut["content"])
	}
}

func TestServerSetting(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	settings, resp := getJSON[map[string]any](t, ts.URL+"/server_setting")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if settings["user_mode"] != "free" {
		t.Fatalf("user_mode = %v", settings["user_mode"])
	}
	routers, ok := settings["allowed_routers"].([]any)
	if !ok || len(routers) != 2 {
		t.Fatalf("allowed_routers = %v", settings["allowed_routers"])
	}
}

func TestDisabledRouterNotRegistered(t *testing.T) {
	_, ts := newTestGateway(t, func(cfg *config.Config) {
		cfg.AllowedRouters = []string{"job"}
	})
	resp, err := http.Get(ts.URL + "/task/list_all")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHubModeRequiresToken(t *testing.T) {
	_, ts := newTestGateway(t, func(cfg *config.Config) {
		cfg.UserMode = config.UserModeHub
		cfg.JWTSecretKey = "secret"
	})
	resp, err := http.Get(ts.URL + "/job/list_all")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
	}
}

func TestHubModeRejectsGarbageToken(t *testing.T) {
	_, ts := newTestGateway(t, func(cfg *config.Config) {
		cfg.UserMode = config.UserModeHub
		cfg.JWTSecretKey = "secret"
	})
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/job/list_all", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUserInfoFreeMode(t *testing.T) {
	_, ts := newTestGateway(t, func(cfg *config.Config) {
		cfg.AllowedRouters = []string{"task", "job", "user"}
	})
	resp, err := http.Get(ts.URL + "/user/info")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "null" {
		t.Fatalf("body = %q, want null", body)
	}

	// The login endpoint only exists with a user database behind it.
	tokenResp, err := http.Post(ts.URL+"/user/token", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusNotFound {
		t.Fatalf("token status = %d, want 404", tokenResp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/task/call", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	_, ts := newTestGateway(t, nil)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
