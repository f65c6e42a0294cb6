package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/polling"
	"github.com/stl311/stl311sync/pkg/storage"
)

const dateLayout = "2006-01-02"

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"status": "error", "message": err.Error()})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) writeSyncResult(w http.ResponseWriter, res *polling.SyncResult) {
	code := http.StatusOK
	switch {
	case errors.Is(res.Err, polling.ErrSyncInProgress):
		code = http.StatusConflict
	case res.Status == polling.StatusError:
		code = http.StatusInternalServerError
	}
	s.Log.WithFields(logrus.Fields{
		"run_id":   res.RunID,
		"trigger":  res.Trigger,
		"status":   res.Status,
		"attempts": res.Attempts,
		"code":     code,
	}).Info("sync request served")
	writeJSON(w, code, res)
}

type SyncRequest struct {
	DaysBack int    `json:"days_back"`
	Status   string `json:"status"`
	Force    bool   `json:"force"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DaysBack < 0 {
		writeError(w, http.StatusBadRequest, errors.New("days_back must not be negative"))
		return
	}
	res := s.Orch.Sync(s.base, polling.SyncRequest{DaysBack: req.DaysBack, Status: req.Status, Force: req.Force})
	s.writeSyncResult(w, res)
}

func (s *Server) handleSyncYesterday(w http.ResponseWriter, r *http.Request) {
	s.writeSyncResult(w, s.Orch.SyncYesterday(s.base))
}

type RangeRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleSyncRange(w http.ResponseWriter, r *http.Request) {
	var req RangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("start_date: %w", err))
		return
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("end_date: %w", err))
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, errors.New("end_date is before start_date"))
		return
	}
	s.writeSyncResult(w, s.Orch.SyncRange(s.base, start, end))
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     s.Orch.Running(),
		"phase":       s.Orch.Phase(),
		"last_result": s.Orch.LastResult(),
	})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, errors.New("scheduler not configured"))
		return
	}
	if err := s.Scheduler.Start(s.base); err != nil {
		if errors.Is(err, polling.ErrSchedulerRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, errors.New("scheduler not configured"))
		return
	}
	s.Scheduler.Stop()
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusOK, polling.SchedulerStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	st := s.Orch.HealthCheck(r.Context())
	code := http.StatusOK
	if st.Status != "success" {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     st.Status,
		"message":    st.Message,
		"latency_ms": st.Latency.Milliseconds(),
	})
}

// parseFilter reads status, source, start, end (YYYY-MM-DD), bbox
// (min_x,min_y,max_x,max_y), limit and offset.
func parseFilter(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{Status: q.Get("status"), Source: q.Get("source")}
	var err error
	if v := q.Get("start"); v != "" {
		if f.Start, err = time.Parse(dateLayout, v); err != nil {
			return f, fmt.Errorf("start: %w", err)
		}
	}
	if v := q.Get("end"); v != "" {
		if f.End, err = time.Parse(dateLayout, v); err != nil {
			return f, fmt.Errorf("end: %w", err)
		}
	}
	if v := q.Get("bbox"); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) != 4 {
			return f, errors.New("bbox: want min_x,min_y,max_x,max_y")
		}
		var n [4]float64
		for i, p := range parts {
			if n[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
				return f, fmt.Errorf("bbox: %w", err)
			}
		}
		box := geo.BBox{MinX: n[0], MinY: n[1], MaxX: n[2], MaxY: n[3]}
		if err := box.Check(); err != nil {
			return f, err
		}
		f.BBox = &box
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(key); v != "" {
			if *dst, err = strconv.Atoi(v); err != nil || *dst < 0 {
				return f, fmt.Errorf("%s: must be a non-negative integer", key)
			}
		}
	}
	return f, nil
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.Store.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRequestUpdates(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return
	}
	if _, err := s.Store.Get(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ups, err := s.Store.ListStatusUpdates(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ups)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.Orch.Running(),
		"phase":   s.Orch.Phase(),
	})
}
