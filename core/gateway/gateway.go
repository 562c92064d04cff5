package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobfront/jobfront/core/auth"
	"github.com/jobfront/jobfront/core/engine"
	"github.com/jobfront/jobfront/core/infra/bus"
	"github.com/jobfront/jobfront/core/infra/config"
	"github.com/jobfront/jobfront/core/infra/logging"
	infraMetrics "github.com/jobfront/jobfront/core/infra/metrics"
	"github.com/jobfront/jobfront/core/task"
	"github.com/jobfront/jobfront/core/userstore"
)

const component = "gateway"

// Deps wires the server's collaborators. Engine and Tasks are required;
// everything else may be nil depending on the enabled routers and mode.
type Deps struct {
	Config  *config.Config
	Engine  *engine.Engine
	Tasks   *task.Registry
	Users   *userstore.Store
	Records *engine.RedisJobStore
	Bus     bus.Subscriber
	Metrics infraMetrics.GatewayMetrics
}

type server struct {
	cfg     *config.Config
	eng     *engine.Engine
	tasks   *task.Registry
	users   *userstore.Store
	records *engine.RedisJobStore
	metrics infraMetrics.GatewayMetrics
	started time.Time

	clients   map[*websocket.Conn]chan bus.JobEvent
	clientsMu sync.RWMutex
	eventsCh  chan bus.JobEvent

	proxyMu      sync.Mutex
	proxyClients map[string]*http.Client
}

// Run assembles the HTTP façade and serves it until the listener fails.
func Run(deps Deps) error {
	return newServer(deps).run()
}

// newServer wires the server. Job lifecycle events from the engine (and
// the bus, when configured) feed the websocket stream.
func newServer(deps Deps) *server {
	s := &server{
		cfg:          deps.Config,
		eng:          deps.Engine,
		tasks:        deps.Tasks,
		users:        deps.Users,
		records:      deps.Records,
		metrics:      deps.Metrics,
		started:      time.Now().UTC(),
		clients:      make(map[*websocket.Conn]chan bus.JobEvent),
		eventsCh:     make(chan bus.JobEvent, 512),
		proxyClients: make(map[string]*http.Client),
	}
	if s.metrics == nil {
		s.metrics = infraMetrics.NoopGateway{}
	}
	if s.eng != nil {
		s.eng.Notify(func(evt bus.JobEvent) {
			select {
			case s.eventsCh <- evt:
			default:
			}
		})
	}
	if deps.Bus != nil {
		if err := deps.Bus.Subscribe(bus.SubjectJobEvents, func(evt bus.JobEvent) {
			select {
			case s.eventsCh <- evt:
			default:
			}
		}); err != nil {
			logging.Error(component, "bus subscribe failed", "subject", bus.SubjectJobEvents, "error", err)
		}
	}
	s.startBroadcast()
	return s
}

// run serves the API on cfg.HTTPAddr and Prometheus metrics on
// cfg.MetricsAddr. It blocks until the listener fails.
func (s *server) run() error {
	mux := s.routes()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         s.cfg.MetricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info(component, "metrics listening", "addr", s.cfg.MetricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	handler := s.corsMiddleware(mux)
	logging.Info(component, "http listening", "addr", s.cfg.HTTPAddr)
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Error(component, "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /server_setting", s.instrumented("/server_setting", s.handleServerSetting))

	if s.cfg.RouterEnabled("task") {
		mux.HandleFunc("POST /task/call", s.instrumented("/task/call", s.handleTaskCall))
		mux.HandleFunc("GET /task/list_all", s.instrumented("/task/list_all", s.handleTaskList))
	}

	if s.cfg.RouterEnabled("job") {
		mux.HandleFunc("GET /job/status/{id}", s.instrumented("/job/status/{id}", s.handleJobStatus))
		mux.HandleFunc("GET /job/list_all", s.instrumented("/job/list_all", s.handleJobList))
		mux.HandleFunc("GET /job/cancel/{id}", s.instrumented("/job/cancel/{id}", s.handleJobCancel))
		mux.HandleFunc("GET /job/re_run/{id}", s.instrumented("/job/re_run/{id}", s.handleJobRerun))
		mux.HandleFunc("GET /job/remove/{id}", s.instrumented("/job/remove/{id}", s.handleJobRemove))
		mux.HandleFunc("GET /job/result/{id}", s.instrumented("/job/result/{id}", s.handleJobResult))
		mux.HandleFunc("POST /job/wait", s.instrumented("/job/wait", s.handleJobWait))
		mux.HandleFunc("GET /job/stdout/{id}", s.instrumented("/job/stdout/{id}", s.handleJobStdout))
		mux.HandleFunc("GET /job/stderr/{id}", s.instrumented("/job/stderr/{id}", s.handleJobStderr))
	}

	if s.cfg.RouterEnabled("user") {
		if !s.cfg.FreeMode() {
			mux.HandleFunc("POST /user/token", s.instrumented("/user/token", s.handleUserToken))
		}
		mux.HandleFunc("GET /user/info", s.instrumented("/user/info", s.handleUserInfo))
	}

	if s.cfg.RouterEnabled("monitor") {
		mux.HandleFunc("GET /monitor/list_all", s.instrumented("/monitor/list_all", s.handleMonitorList))
		mux.HandleFunc("/monitor/stream", s.instrumented("/monitor/stream", s.handleMonitorStream))
	}

	if s.cfg.RouterEnabled("proxy") {
		mux.HandleFunc("/proxy/app/{job_id}", s.instrumented("/proxy/app/{job_id}", s.handleProxy))
		mux.HandleFunc("/proxy/app/{job_id}/{path...}", s.instrumented("/proxy/app/{job_id}", s.handleProxy))
		// Webapps that address assets from the site root land here; the
		// owning job is recovered from the proxy cookie or the referer.
		mux.HandleFunc("/", s.instrumented("/", s.handleRootDispatch))
	}

	return mux
}

func (s *server) handleServerSetting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed_routers": s.cfg.AllowedRouters,
		"valid_job_types": s.cfg.ValidJobTypes,
		"user_mode":       s.cfg.UserMode,
		"monitor_mode":    s.cfg.MonitorMode,
	})
}

// --- response plumbing ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDetail emits the error envelope every failing endpoint shares.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps domain failures onto HTTP statuses. Unknown jobs and bad
// transitions are client errors; only credential problems get 401/403.
func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeDetail(w, http.StatusForbidden, auth.ErrForbidden.Error())
	default:
		// Unknown jobs, bad transitions and validation failures are all
		// client errors.
		writeDetail(w, http.StatusBadRequest, err.Error())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}

func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !s.allowedOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) allowedOrigin(origin string) bool {
	for _, allowed := range s.cfg.Origins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
