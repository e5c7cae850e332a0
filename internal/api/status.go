package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
	"github.com/nerrad567/sector-bridge/internal/bridge"
	"github.com/nerrad567/sector-bridge/internal/session"
)

// healthCheckTimeout bounds each dependency check in GET /health.
const healthCheckTimeout = 2 * time.Second

// StatusView is the body of GET /status and of every "status" event.
type StatusView struct {
	PanelID string               `json:"panel_id"`
	Session session.Snapshot     `json:"session"`
	Bridge  bridge.StatusMessage `json:"bridge"`
	Panel   *PanelView           `json:"panel,omitempty"`
	Metrics bridge.Counters      `json:"metrics"`
}

// PanelView is the last snapshot fetched from the vendor.
type PanelView struct {
	ArmedState alarm.ArmedState `json:"armed_state"`
	FetchedAt  time.Time        `json:"fetched_at"`
	Sensors    []SensorView     `json:"sensors"`
}

// SensorView is one sensor in PanelView, ordered by serial.
type SensorView struct {
	Serial      string   `json:"serial"`
	Label       string   `json:"label,omitempty"`
	Temperature float64  `json:"temperature"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// statusView assembles the operator view. It only reads snapshots and
// never blocks on vendor I/O.
func (s *Server) statusView() StatusView {
	v := StatusView{
		PanelID: s.bridge.PanelID(),
		Session: s.session.Snapshot(),
		Bridge:  s.bridge.Status(),
		Metrics: s.bridge.Metrics(),
	}

	snap := s.bridge.Snapshot()
	if snap == nil {
		return v
	}
	pv := &PanelView{
		ArmedState: snap.ArmedState,
		FetchedAt:  snap.FetchedAt,
		Sensors:    make([]SensorView, 0, len(snap.Sensors)),
	}
	for _, serial := range snap.Serials() {
		r := snap.Sensors[serial]
		pv.Sensors = append(pv.Sensors, SensorView{
			Serial:      serial,
			Label:       r.Label,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
		})
	}
	v.Panel = pv
	return v
}

// handleStatus returns the session, bridge and panel view.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusView())
}

// handleHealth runs the configured dependency checks. Any failure makes the
// response 503 so container health probes notice.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	status := http.StatusOK
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()

		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, status, resp)
}
