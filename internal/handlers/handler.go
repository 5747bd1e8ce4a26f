package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/auth"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/hub"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/storage"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/store"
)

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Consultations store.ConsultationStore
	History       store.HistoryStore
	Redis         *store.RedisStore // optional; only reported by /health
	Hub           *hub.Hub
	Storage       storage.Storage
	Verifier      *auth.Verifier

	HistoryLimit  int
	MaxUploadSize int64
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	consultations store.ConsultationStore
	history       store.HistoryStore
	redis         *store.RedisStore
	hub           *hub.Hub
	storage       storage.Storage
	verifier      *auth.Verifier

	historyLimit  int
	maxUploadSize int64
	log           zerolog.Logger
	now           func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		consultations: d.Consultations,
		history:       d.History,
		redis:         d.Redis,
		hub:           d.Hub,
		storage:       d.Storage,
		verifier:      d.Verifier,
		historyLimit:  d.HistoryLimit,
		maxUploadSize: d.MaxUploadSize,
		log:           d.Logger,
		now:           d.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.historyLimit <= 0 {
		h.historyLimit = 20
	}
	if h.maxUploadSize <= 0 {
		h.maxUploadSize = 50 << 20
	}
	if h.history == nil {
		h.history = store.NewMemoryHistory()
	}
	if h.hub == nil {
		h.hub = hub.New(nil, d.Logger)
	}
	return h
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// user returns the authenticated user or answers 401.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		h.Error(w, http.StatusUnauthorized, "Authentication credentials were not provided")
		return nil, false
	}
	return u, true
}
