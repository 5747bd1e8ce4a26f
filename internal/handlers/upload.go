package handlers

import (
	"errors"
	"net/http"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/storage"
)

// multipartMemory is the part of a form kept in memory; the rest spills to
// temporary files.
const multipartMemory = 8 << 20

// multipartOverhead allows for the form envelope around a maximum-size file.
const multipartOverhead = 1 << 20

// Upload handles POST /chat/upload/: the multipart "file" is stored and its
// public URL returned.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	if h.storage == nil {
		h.Error(w, http.StatusServiceUnavailable, "media storage is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()
	if header.Size > h.maxUploadSize {
		h.Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	obj, err := storage.Save(r.Context(), h.storage, header.Filename, r.FormValue("media_kind"), file, header.Size)
	if err != nil {
		h.log.Error().Err(err).Str("user", user.ID).Str("file", header.Filename).Msg("upload failed")
		h.Error(w, http.StatusInternalServerError, "upload failed")
		return
	}

	metrics.UploadsTotal.WithLabelValues(obj.ResourceType).Inc()
	h.log.Info().
		Str("user", user.ID).
		Str("resource_type", obj.ResourceType).
		Int64("size", header.Size).
		Msg("media stored")
	h.JSON(w, http.StatusOK, obj)
}
