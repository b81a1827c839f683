package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/capacity"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type intervalSink interface {
	SavePresenceInterval(iv models.PresenceInterval) error
}

type Server struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	matcher   *matcher.Service
	presence  *presence.Tracker
	capacity  *capacity.Ledger
	intervals *presence.IntervalLedger
	store     storage.TripStore
	kafka     *ingest.KafkaProducer
	wsreg     *dispatch.WSRegistry
	sink      intervalSink
	mux       *mux.Router
}

// NewServer wires the dispatch engine from config. Redis, Postgres, Kafka
// and Stripe are all optional; each falls back to the in-process equivalent
// (or to nothing, for the side channels) when unconfigured.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var store storage.TripStore
	var sink intervalSink
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
			sink = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	intervals := presence.NewIntervalLedger(cfg.PresenceMergeGap)
	tracker := presence.NewTracker(ggeo, intervals, cfg.HeartbeatStaleAfter)
	ledger := capacity.NewLedger()
	wsreg := dispatch.NewWSRegistry()

	var settle matcher.Settler
	if cfg.StripeAPIKey != "" {
		settle = payments.NewCoordinator(cfg.StripeAPIKey, cfg.StripeCurrency, logger)
	}
	var est eta.Estimator = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est = eta.NewCached(eta.NewOSRMClient(cfg.OSRMEndpoint), 30*time.Second)
	}

	m := &matcher.Service{
		Geo:            ggeo,
		Presence:       tracker,
		Capacity:       ledger,
		Store:          store,
		Hints:          wsreg,
		Settle:         settle,
		ETA:            est,
		Logger:         logger,
		TopN:           cfg.MatcherTopN,
		QueueRadiusKm:  cfg.QueueRadiusKm,
		PendingTimeout: cfg.PendingTimeout,
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		matcher:   m,
		presence:  tracker,
		capacity:  ledger,
		intervals: intervals,
		store:     store,
		kafka:     kp,
		wsreg:     wsreg,
		sink:      sink,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// Matcher exposes the engine for the optional sweep loop in cmd/server.
func (s *Server) Matcher() *matcher.Service { return s.matcher }

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleSubmitTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleTripSnapshot).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/claim", s.handleClaim).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/advance", s.handleAdvance).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/riders/{rider_id}/active", s.handleRiderActive).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/incoming", s.handleIncoming).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/status", s.handleDriverStatus).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/heartbeat", s.handleHeartbeat).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/presence", s.handlePresenceReport).Methods("GET")
	api.HandleFunc("/queue", s.handleQueue).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type tripResponse struct {
	Trip      models.Trip   `json:"trip"`
	DriverLoc *models.Coord `json:"driver_location,omitempty"`
}

func (s *Server) tripResponse(t models.Trip) tripResponse {
	resp := tripResponse{Trip: t}
	if t.DriverID != "" && t.Active() {
		if d, err := s.presence.Get(t.DriverID); err == nil {
			loc := d.Loc
			resp.DriverLoc = &loc
		}
	}
	return resp
}

func (s *Server) handleSubmitTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	t, err := s.matcher.Submit(newID(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// pending with no assignment is still 200: the waiting queue takes over
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleTripSnapshot(w http.ResponseWriter, r *http.Request) {
	t, err := s.matcher.Snapshot(mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleRiderActive(w http.ResponseWriter, r *http.Request) {
	t, err := s.matcher.ActiveForRider(mux.Vars(r)["rider_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	trips, err := s.matcher.Incoming(mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloat(q.Get("lat"))
	lon, err2 := parseFloat(q.Get("lon"))
	driverID := q.Get("driver_id")
	if err1 != nil || err2 != nil || driverID == "" {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	radiusKm := 0.0
	if v := q.Get("radius_km"); v != "" {
		radiusKm, _ = parseFloat(v)
	}
	entries, err := s.matcher.Queue(driverID, lat, lon, radiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	t, err := s.matcher.Claim(mux.Vars(r)["trip_id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	switch body.Status {
	case models.StatusPickedUp, models.StatusPaymentPending, models.StatusCompleted:
	default:
		s.writeError(w, r, models.ErrIllegalTransition)
		return
	}
	t, err := s.matcher.Advance(mux.Vars(r)["trip_id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CancelledBy models.CancelActor `json:"cancelled_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.CancelledBy.Valid() {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	t, err := s.matcher.Cancel(mux.Vars(r)["trip_id"], body.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.tripResponse(t))
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Online bool         `json:"online"`
		Seats  int          `json:"seats"`
		Loc    models.Coord `json:"loc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	var d models.Driver
	if body.Online {
		d = s.presence.SetOnline(driverID, body.Seats, body.Loc)
		capState := s.capacity.Open(driverID, d.Seats)
		observability.DriversOnline.Inc()
		s.writeJSON(w, http.StatusOK, map[string]any{"driver": d, "capacity": capState})
		return
	}
	d, err := s.presence.SetOffline(driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.capacity.Close(driverID)
	observability.DriversOnline.Dec()
	s.flushIntervals(driverID)
	capState, _ := s.capacity.Snapshot(driverID)
	s.writeJSON(w, http.StatusOK, map[string]any{"driver": d, "capacity": capState})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Loc models.Coord `json:"loc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, matcher.ErrBadRequest)
		return
	}
	d, err := s.presence.Heartbeat(driverID, body.Loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.Heartbeats.Inc()
	if s.kafka != nil {
		_ = s.kafka.PublishHeartbeat(models.HeartbeatEvent{
			DriverID: d.ID, Loc: d.Loc, Online: d.Online, At: d.LastSeen,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"last_seen": d.LastSeen})
}

func (s *Server) handlePresenceReport(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if _, err := s.presence.Get(driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"intervals":      s.intervals.Intervals(driverID),
		"online_seconds": s.intervals.OnlineSeconds(driverID),
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsreg.Add(id, conn)
}

// flushIntervals persists merged presence windows when a durable sink is
// configured; the in-memory ledger stays authoritative for reads.
func (s *Server) flushIntervals(driverID string) {
	if s.sink == nil {
		return
	}
	for _, iv := range s.intervals.Intervals(driverID) {
		if err := s.sink.SavePresenceInterval(iv); err != nil {
			s.logger.Warn("presence interval flush failed", "driver_id", driverID, "error", err)
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errBody struct {
	Error string `json:"error"`
}

// writeError maps the engine's error taxonomy onto HTTP. Admission races and
// stale views are steady-state events: structured 4xx at debug, never alarms.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, presence.ErrUnknownDriver), errors.Is(err, capacity.ErrUnknownDriver):
		s.writeJSON(w, http.StatusNotFound, errBody{"not_found"})
	case errors.Is(err, matcher.ErrAlreadyTaken):
		s.logger.Debug("claim lost", "path", r.URL.Path)
		s.writeJSON(w, http.StatusConflict, errBody{"already_taken"})
	case errors.Is(err, capacity.ErrCapacityExceeded):
		s.logger.Debug("admission rejected", "path", r.URL.Path)
		s.writeJSON(w, http.StatusConflict, errBody{"capacity_exceeded"})
	case errors.Is(err, models.ErrIllegalTransition):
		s.logger.Debug("stale transition attempt", "path", r.URL.Path)
		s.writeJSON(w, http.StatusConflict, errBody{"illegal_transition"})
	case errors.Is(err, matcher.ErrBadRequest):
		s.writeJSON(w, http.StatusBadRequest, errBody{"bad_request"})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errBody{"transient"})
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
