package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/store"
)

// ResolveResponse is the body of a successful resolve.
type ResolveResponse struct {
	Message string `json:"message"`
}

// DoctorConsultations handles GET /chat/doctor-consultations/?status=.
func (h *Handler) DoctorConsultations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.StatusActive
	}
	if status != models.StatusActive && status != models.StatusResolved {
		h.Error(w, http.StatusBadRequest, `status must be "active" or "resolved"`)
		return
	}

	list, err := h.consultations.ListForDoctor(r.Context(), user.ID, status)
	if err != nil {
		h.log.Error().Err(err).Str("doctor", user.ID).Msg("list consultations failed")
		h.Error(w, http.StatusInternalServerError, "failed to list consultations")
		return
	}
	h.JSON(w, http.StatusOK, list)
}

// ResolveConsultation handles POST /chat/resolve/{room_id}/. Only the
// consultation's doctor may resolve it.
func (h *Handler) ResolveConsultation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "room_id")

	c, err := h.consultations.GetConsultation(r.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Msg("consultation lookup failed")
		h.Error(w, http.StatusInternalServerError, "failed to load consultation")
		return
	}
	if c == nil {
		h.Error(w, http.StatusNotFound, "Consultation not found")
		return
	}
	if c.DoctorID != user.ID {
		h.Error(w, http.StatusForbidden, "Unauthorized")
		return
	}

	if err := h.consultations.Resolve(r.Context(), roomID, h.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Consultation not found")
			return
		}
		h.log.Error().Err(err).Str("room", roomID).Msg("resolve failed")
		h.Error(w, http.StatusInternalServerError, "failed to resolve consultation")
		return
	}

	metrics.ConsultationsResolved.Inc()
	h.log.Info().Str("room", roomID).Str("doctor", user.ID).Msg("consultation resolved")
	h.JSON(w, http.StatusOK, ResolveResponse{Message: "Consultation resolved successfully"})
}
