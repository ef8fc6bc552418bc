// Package backendstub is a small in-memory delivery backend. It implements
// eventInfo, saveDelivery and registerDevice with the backend's idempotency
// contract and is used by integration tests and `livreur stub-backend`.
package backendstub

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/els-fr/livreur/internal/backend"
	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/logger"
)

const (
	maxBody   = 8 << 20
	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// Record is the latest accepted payload for one (clientUUID, eventId) pair.
type Record struct {
	EventID     string          `json:"eventId"`
	ClientUUID  string          `json:"clientUUID"`
	Seq         int             `json:"seq"`
	Status      string          `json:"status"`
	DriverEmail string          `json:"driverEmail"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	Raw         json.RawMessage `json:"raw"`
}

// header is the part of a payload the stub needs to deduplicate.
type header struct {
	EventID     string             `json:"eventId"`
	ClientUUID  string             `json:"clientUUID"`
	Seq         int                `json:"seq"`
	Status      string             `json:"status"`
	DriverEmail string             `json:"driverEmail"`
	Items       []delivery.Item    `json:"items"`
	Receiver    *delivery.Receiver `json:"receiver"`
}

type recordKey struct {
	clientUUID string
	eventID    string
}

// Server is the in-memory backend.
type Server struct {
	router chi.Router
	log    logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	events   map[string]delivery.EventInfo
	records  map[recordKey]Record
	devices  []backend.RegisterRequest
	failures int
	posts    int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock overrides the acknowledgment clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New builds the stub and its routes.
func New(opts ...Option) *Server {
	s := &Server{
		log:     logger.NewDiscard(),
		now:     time.Now,
		events:  make(map[string]delivery.EventInfo),
		records: make(map[recordKey]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Module("backendstub")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(backend.PathEventInfo, s.eventInfo)
	r.Post(backend.PathSaveDelivery, s.saveDelivery)
	r.Post(backend.PathRegisterDevice, s.registerDevice)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Seed sets the server-side info of an event.
func (s *Server) Seed(eventID string, info delivery.EventInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = info
}

// FailNext makes the next n saveDelivery calls answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Record returns the stored payload of a (clientUUID, eventId) pair.
func (s *Server) Record(clientUUID, eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{clientUUID, eventID}]
	return rec, ok
}

// Records returns every stored payload.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// Posts returns how many saveDelivery calls were received, failed ones included.
func (s *Server) Posts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// Devices returns every registration received.
func (s *Server) Devices() []backend.RegisterRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.RegisterRequest(nil), s.devices...)
}

func (s *Server) eventInfo(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("eventId")
	if eventID == "" {
		http.Error(w, `{"error":"eventId is required"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	info, ok := s.events[eventID]
	s.mu.Unlock()
	if !ok {
		info = delivery.EventInfo{Status: string(delivery.StatusOpen)}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) saveDelivery(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, backend.Ack{OK: false, Reason: "unreadable body"})
		return
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil || h.EventID == "" || h.ClientUUID == "" {
		writeJSON(w, http.StatusBadRequest, backend.Ack{OK: false, Reason: "eventId and clientUUID are required"})
		return
	}

	s.mu.Lock()
	s.posts++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		s.log.Debug("injected failure", logger.Int("seq", h.Seq))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	now := s.now().UTC()
	key := recordKey{h.ClientUUID, h.EventID}
	prev, seen := s.records[key]
	stale := seen && h.Seq <= prev.Seq
	if !stale {
		s.records[key] = Record{
			EventID:     h.EventID,
			ClientUUID:  h.ClientUUID,
			Seq:         h.Seq,
			Status:      h.Status,
			DriverEmail: h.DriverEmail,
			ReceivedAt:  now,
			Raw:         raw,
		}
		info := s.events[h.EventID]
		info.Status = h.Status
		info.Items = h.Items
		info.DriverEmail = h.DriverEmail
		info.Receiver = h.Receiver
		s.events[h.EventID] = info
	}
	s.mu.Unlock()

	if stale {
		s.log.Info("stale payload ignored",
			logger.String("event_id", h.EventID),
			logger.Int("seq", h.Seq),
			logger.Int("kept_seq", prev.Seq))
	} else {
		s.log.Info("payload stored",
			logger.String("event_id", h.EventID),
			logger.String("client_uuid", h.ClientUUID),
			logger.Int("seq", h.Seq))
	}
	writeJSON(w, http.StatusOK, backend.Ack{OK: true, TS: now.Format(isoMillis)})
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req backend.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, `{"error":"token is required"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.devices = append(s.devices, req)
	s.mu.Unlock()
	s.log.Info("device registered",
		logger.String("driver_email", req.DriverEmail),
		logger.String("platform", req.Platform))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
