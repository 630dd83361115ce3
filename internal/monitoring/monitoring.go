// Package monitoring exposes the viewer websocket and operator endpoints over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/events"
	"nuha.dev/gpsrelay/internal/gt06"
	"nuha.dev/gpsrelay/internal/hub"
	"nuha.dev/gpsrelay/internal/ref"
	"nuha.dev/gpsrelay/internal/session"
	"nuha.dev/gpsrelay/internal/store"
	"nuha.dev/gpsrelay/internal/util"
)

type MonitoringConfig struct {
	ListenAddr string
}

type Emitter interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type MonitoringServer struct {
	r        chi.Router
	server   *http.Server
	log      log.Logger
	vld      *validator.Validate
	registry *session.Registry
	hub      *hub.Hub
	refs     *ref.Encoder
	devices  store.IntervalStore
	events   Emitter
}

func NewMonApi(config *MonitoringConfig, ws http.Handler, registry *session.Registry, h *hub.Hub, refs *ref.Encoder, devices store.IntervalStore, ev Emitter) *MonitoringServer {
	m := &MonitoringServer{registry: registry, hub: h, refs: refs, devices: devices, events: ev}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.vld = validator.New()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)
	r.Handle("/ws", ws)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		util.JsonWrite(w, map[string]string{"status": "ok"})
	})
	r.Get("/sessions", m.listSessions)
	r.Get("/sessions/{imei}", m.getSession)
	r.Get("/hub", func(w http.ResponseWriter, r *http.Request) {
		util.JsonWrite(w, m.hub.Stats())
	})
	r.Post("/devices/{ref}/state", m.deviceStateChanged)
	m.r = r

	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.r
}

// Run serves until ctx is done.
func (m *MonitoringServer) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		m.log.Info().Msgf("starting monitoring on %s", m.server.Addr)
		errc <- m.server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.server.Shutdown(sctx)
	}
}

func (m *MonitoringServer) listSessions(w http.ResponseWriter, r *http.Request) {
	list := m.registry.List()
	res := make([]session.Info, 0, len(list))
	for _, s := range list {
		res = append(res, s.Info())
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := m.registry.Lookup(gt06.Identity(chi.URLParam(r, "imei")))
	if !ok {
		util.JsonError(w, http.StatusNotFound, "not connected")
		return
	}
	util.JsonWrite(w, s.Info())
}

type stateChangeRequest struct {
	Reason string `json:"reason" validate:"required,oneof=lock unlock assignment_started assignment_finished policy_changed"`
}

// deviceStateChanged lets the application owning locks and assignments tell
// the relay that the reporting interval of a device may have to change.
func (m *MonitoringServer) deviceStateChanged(w http.ResponseWriter, r *http.Request) {
	deviceID, err := m.refs.Decode(chi.URLParam(r, "ref"))
	if err != nil {
		util.JsonError(w, http.StatusNotFound, "unknown device")
		return
	}
	if _, err := m.devices.GetDeviceIntervalPolicy(r.Context(), deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.JsonError(w, http.StatusNotFound, "unknown device")
			return
		}
		m.log.Error().Err(err).Int64("device_id", deviceID).Msg("error loading device")
		util.JsonError(w, http.StatusInternalServerError, "device lookup failed")
		return
	}
	var req stateChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := m.vld.Struct(req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.log.Info().Int64("device_id", deviceID).Str("reason", req.Reason).Msg("device state changed")
	m.events.Emit(context.Background(), events.TopicDeviceStateChanged, events.DeviceStateChanged{DeviceID: deviceID, Reason: req.Reason})
	w.WriteHeader(http.StatusAccepted)
}
