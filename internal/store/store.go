package store

import (
	"context"
	"errors"
	"time"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

// ErrNotFound is returned by mutations on a consultation that does not exist.
var ErrNotFound = errors.New("consultation not found")

// ConsultationStore defines persistent storage of consultations.
// Both PostgresStore and SQLiteStore implement this interface.
// Lookups return nil, nil when the consultation does not exist.
type ConsultationStore interface {
	Close()
	Ping(ctx context.Context) error

	GetConsultation(ctx context.Context, id string) (*models.Consultation, error)
	EnsureConsultation(ctx context.Context, roomID string) (*models.Consultation, error)
	ListForDoctor(ctx context.Context, doctorID, status string) ([]models.Consultation, error)
	Resolve(ctx context.Context, id string, at time.Time) error
	TouchLastMessage(ctx context.Context, id, timestamp string) error
}

// HistoryStore keeps the recent messages of each room.
// RedisStore and MemoryHistory implement this interface.
type HistoryStore interface {
	AppendMessage(ctx context.Context, msg models.ChatMessage) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
}

// newConsultation builds the record created on a room's first activity.
func newConsultation(roomID string, now time.Time) (*models.Consultation, error) {
	patient, doctor, err := models.ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}
	return &models.Consultation{
		ConsultationID: roomID,
		PatientID:      patient,
		DoctorID:       doctor,
		Status:         models.StatusActive,
		CreatedAt:      now.UTC(),
	}, nil
}

// withPatientData fills the display block of listed consultations.
func withPatientData(list []models.Consultation) []models.Consultation {
	for i := range list {
		id := list[i].PatientID
		list[i].PatientData = &models.PatientData{
			ID:        id,
			Username:  "User " + id,
			FirstName: "Patient " + id,
		}
	}
	return list
}
