// Package devserver is an in-memory stand-in for the registration backend's
// sync API. It backs local development runs and end-to-end tests.
package devserver

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/hyperengineering/farmsync/internal/remote"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	nrcPattern   = regexp.MustCompile(`^\d{6}/\d{2}/\d$`)
	phonePattern = regexp.MustCompile(`^\+260[- ]?\d{2}[- ]?\d{6,7}$`)
)

// Farmer is a registration held by the server.
type Farmer struct {
	FarmerID  string
	TempID    string
	NRC       string
	Document  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Server holds farmers in memory and serves the sync API.
type Server struct {
	token  string
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	byTempID map[string]*Farmer
	byNRC    map[string]string
	seq      int
	outage   bool
	batches  int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server that accepts token. An empty token disables auth.
func New(token string, opts ...Option) *Server {
	s := &Server{
		token:    token,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		byTempID: make(map[string]*Farmer),
		byNRC:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api/sync", func(r chi.Router) {
		r.Use(AuthMiddleware(s.token, s.logger))
		r.Post("/batch", s.batch)
		r.Get("/status", s.status)
	})

	return r
}

// SetOutage makes the batch endpoint answer 503 while on.
func (s *Server) SetOutage(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = on
}

// BatchCount returns how many batch requests were accepted for processing.
func (s *Server) BatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Farmers returns a snapshot of all farmers ordered by farmer ID.
func (s *Server) Farmers() []Farmer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Farmer, 0, len(s.byTempID))
	for _, f := range s.byTempID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FarmerID < out[j].FarmerID })
	return out
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.HealthResponse{Status: "healthy", Version: "dev"})
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !gjson.ValidBytes(body) {
		WriteProblem(w, r, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	farmers := gjson.GetBytes(body, "farmers")
	if !farmers.IsArray() {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "farmers must be an array")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outage {
		WriteProblem(w, r, http.StatusServiceUnavailable, "sync temporarily unavailable")
		return
	}
	s.batches++

	resp := remote.BatchResponse{
		Results: []remote.RecordResult{},
		Errors:  []remote.RecordError{},
	}
	for i, doc := range farmers.Array() {
		resp.Total++
		tempID := doc.Get("temp_id").String()
		if tempID == "" {
			tempID = fmt.Sprintf("offline_%d", i+1)
		}

		result, err := s.upsert(tempID, doc)
		if err != nil {
			resp.Errors = append(resp.Errors, remote.RecordError{TempID: tempID, Error: err.Error()})
			resp.Failed++
			continue
		}
		resp.Results = append(resp.Results, result)
		resp.Successful++
	}
	resp.ServerTimestamp = s.now().Format(time.RFC3339Nano)

	s.logger.Info("batch processed",
		zap.Int("total", resp.Total),
		zap.Int("successful", resp.Successful),
		zap.Int("failed", resp.Failed),
	)
	writeJSON(w, http.StatusOK, resp)
}

// upsert applies one farmer document. Callers hold s.mu.
func (s *Server) upsert(tempID string, doc gjson.Result) (remote.RecordResult, error) {
	if !doc.IsObject() {
		return remote.RecordResult{}, fmt.Errorf("farmer must be an object")
	}

	existing := s.byTempID[tempID]
	if errs := s.validate(doc, existing); len(errs) > 0 {
		return remote.RecordResult{}, fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	now := s.now()
	nrc := strings.TrimSpace(doc.Get("nrc_number").String())

	if existing != nil {
		if existing.NRC != "" && existing.NRC != nrc {
			delete(s.byNRC, existing.NRC)
		}
		existing.Document = []byte(doc.Raw)
		existing.NRC = nrc
		existing.UpdatedAt = now
		if nrc != "" {
			s.byNRC[nrc] = tempID
		}
		return remote.RecordResult{TempID: tempID, FarmerID: existing.FarmerID, Status: remote.OutcomeUpdated}, nil
	}

	s.seq++
	f := &Farmer{
		FarmerID:  fmt.Sprintf("ZM%06d", s.seq),
		TempID:    tempID,
		NRC:       nrc,
		Document:  []byte(doc.Raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byTempID[tempID] = f
	if nrc != "" {
		s.byNRC[nrc] = tempID
	}
	return remote.RecordResult{TempID: tempID, FarmerID: f.FarmerID, Status: remote.OutcomeCreated}, nil
}

func (s *Server) validate(doc gjson.Result, existing *Farmer) []string {
	var errs []string

	for _, key := range []string{"personal_info.phone_primary", "personal_info.phone_secondary"} {
		if phone := doc.Get(key); phone.Exists() && phone.String() != "" && !phonePattern.MatchString(strings.TrimSpace(phone.String())) {
			errs = append(errs, fmt.Sprintf("Invalid %s format", strings.TrimPrefix(key, "personal_info.")))
		}
	}

	if nrc := strings.TrimSpace(doc.Get("nrc_number").String()); nrc != "" {
		switch {
		case !nrcPattern.MatchString(nrc):
			errs = append(errs, "Invalid NRC number format")
		case s.byNRC[nrc] != "" && (existing == nil || s.byNRC[nrc] != existing.TempID):
			errs = append(errs, "NRC number already registered")
		}
	}

	doc.Get("land_parcels").ForEach(func(key, parcel gjson.Result) bool {
		if area := parcel.Get("total_area"); area.Exists() && area.Float() <= 0 {
			errs = append(errs, fmt.Sprintf("Invalid land area for parcel %d", key.Int()+1))
		}
		return true
	})

	return errs
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("last_sync"); v != "" {
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "last_sync must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	resp := remote.StatusResponse{
		UserID:      "dev",
		CurrentTime: now.Format(time.RFC3339Nano),
		Farmers:     []remote.StatusFarmer{},
	}
	if !since.IsZero() {
		resp.LastSync = since.Format(time.RFC3339Nano)
	}
	for _, f := range s.byTempID {
		if f.UpdatedAt.After(since) {
			resp.Farmers = append(resp.Farmers, remote.StatusFarmer{
				FarmerID:  f.FarmerID,
				UpdatedAt: f.UpdatedAt.Format(time.RFC3339Nano),
				Status:    "registered",
			})
		}
	}
	sort.Slice(resp.Farmers, func(i, j int) bool { return resp.Farmers[i].FarmerID < resp.Farmers[j].FarmerID })
	resp.UpdatesCount = len(resp.Farmers)

	writeJSON(w, http.StatusOK, resp)
}
