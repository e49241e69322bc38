package api

import (
	"net/http"
	"time"
)

type healthHandler struct {
	d Deps
}

// NewHealthHandler always answers 200 and reports ok, degraded or fault.
func NewHealthHandler(d Deps) http.Handler {
	return &healthHandler{d: d}
}

type healthReport struct {
	Status          string   `json:"status"`
	Fatal           bool     `json:"fatal"`
	MQTTConnected   *bool    `json:"mqtt_connected,omitempty"`
	LastWriteErrorS *float64 `json:"last_write_error_age_sec,omitempty"`
}

func (d Deps) mqttOK() (ok bool, configured bool) {
	if d.MQTTConnected == nil {
		return true, false
	}
	return d.MQTTConnected(), true
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	st := healthReport{Status: "ok", Fatal: h.d.Backend.Fatal()}
	if ok, configured := h.d.mqttOK(); configured {
		st.MQTTConnected = &ok
		if !ok {
			st.Status = "degraded"
		}
	}
	if h.d.Influx != nil {
		age := h.d.Influx.LastErrorAge()
		secs := age.Seconds()
		st.LastWriteErrorS = &secs
		if age < 30*time.Second {
			st.Status = "degraded"
		}
	}
	if st.Fatal {
		st.Status = "fault"
	}
	writeJSON(w, http.StatusOK, st)
}

type readyHandler struct {
	d        Deps
	minError time.Duration
}

// NewReadyHandler answers 200 only when no fault is latched, MQTT (if used)
// is connected and the last Influx write error is older than minOkErrorAge.
func NewReadyHandler(d Deps, minOkErrorAge time.Duration) http.Handler {
	return &readyHandler{d: d, minError: minOkErrorAge}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	mqttOK, _ := h.d.mqttOK()
	ready := !h.d.Backend.Fatal() && mqttOK
	if h.d.Influx != nil && h.d.Influx.LastErrorAge() <= h.minError {
		ready = false
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}
