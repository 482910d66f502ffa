package irrigation_controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taseebali/soilsimulator-iot/internal/sink"
)

// API serves health, metrics, device state and the recent transition log.
type API struct {
	store    *DeviceStore
	health   *Health
	reader   sink.TransitionReader // nil when no sink can be queried
	gatherer prometheus.Gatherer
}

func NewAPI(store *DeviceStore, h *Health, reader sink.TransitionReader, g prometheus.Gatherer) *API {
	return &API{store: store, health: h, reader: reader, gatherer: g}
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.health.ServeHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.health.ServeReady).Methods(http.MethodGet)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", a.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/irrigation/latest", a.latest).Methods(http.MethodGet)
	return r
}

func (a *API) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Snapshot())
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.Get(mux.Vars(r)["id"])
	if errors.Is(err, ErrUnknownDevice) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// latest serves GET /irrigation/latest?limit=20&minutes=1440.
func (a *API) latest(w http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": sink.ErrNoReader.Error()})
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20, 1, 500)
	minutes := queryInt(q.Get("minutes"), 1440, 1, 7*24*60)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out, err := a.reader.Latest(ctx, limit, time.Duration(minutes)*time.Minute)
	if err != nil {
		w.Header().Set("X-Error", "sink-query-error")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// queryInt parses v, clamping it to [min, max]; empty or malformed values give def.
func queryInt(v string, def, min, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
