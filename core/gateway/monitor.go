package gateway

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/jobfront/jobfront/core/auth"
	"github.com/jobfront/jobfront/core/infra/bus"
	"github.com/jobfront/jobfront/core/infra/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMonitorList serves job views from the persisted record store, so a
// monitor instance can run detached from the engine that executed the jobs.
func (s *server) handleMonitorList(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.records == nil {
		writeDetail(w, http.StatusServiceUnavailable, "job record store unavailable")
		return
	}
	limit := int64(50)
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			limit = v
		}
	}
	recs, err := s.records.ListRecords(r.Context(), limit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]JobView, 0, len(recs))
	for _, rec := range recs {
		if caller != nil && !auth.CanAccess(caller, auth.OwnerFromAttr(rec.Attrs["user"])) {
			continue
		}
		out = append(out, viewFromRecord(rec, s.cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMonitorStream pushes job lifecycle events over a websocket.
func (s *server) handleMonitorStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identify(r); err != nil {
		s.writeError(w, err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(component, "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Debug(component, "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan bus.JobEvent, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case evt := <-clientCh:
			if err := ws.WriteJSON(evt); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// startBroadcast fans engine and bus events out to connected ws clients.
// Slow clients are dropped rather than allowed to stall the loop.
func (s *server) startBroadcast() {
	go func() {
		for evt := range s.eventsCh {
			var slow []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- evt:
				default:
					slow = append(slow, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slow) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slow {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slow {
					if err := conn.Close(); err != nil {
						logging.Error(component, "ws client close failed", "error", err)
					}
				}
			}
		}
	}()
}
