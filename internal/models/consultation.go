package models

import (
	"fmt"
	"strings"
	"time"
)

// Consultation statuses.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// Consultation is the record behind one patient/doctor room. The JSON
// names follow the attribute names the web client already reads.
type Consultation struct {
	ConsultationID  string       `json:"ConsultationID"`
	PatientID       string       `json:"PatientID"`
	DoctorID        string       `json:"DoctorID"`
	Status          string       `json:"Status"`
	CreatedAt       time.Time    `json:"CreatedAt"`
	LastMessageTime string       `json:"LastMessageTime,omitempty"`
	ResolvedAt      string       `json:"ResolvedAt,omitempty"`
	PatientData     *PatientData `json:"patient_data,omitempty"`
}

// PatientData is the display block attached to listed consultations.
type PatientData struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// RoomID returns the room identifier of a patient/doctor pair.
func RoomID(patientID, doctorID string) string {
	return fmt.Sprintf("user_%s_doc_%s", patientID, doctorID)
}

// ParseRoomID splits a room identifier into its patient and doctor ids.
func ParseRoomID(roomID string) (patientID, doctorID string, err error) {
	rest, ok := strings.CutPrefix(roomID, "user_")
	if !ok {
		return "", "", fmt.Errorf("room %q: missing user_ prefix", roomID)
	}
	patientID, doctorID, ok = strings.Cut(rest, "_doc_")
	if !ok || patientID == "" || doctorID == "" {
		return "", "", fmt.Errorf("room %q: expected user_{patient}_doc_{doctor}", roomID)
	}
	return patientID, doctorID, nil
}

// Participant reports whether userID is the patient or the doctor of the room.
func Participant(roomID, userID string) bool {
	p, d, err := ParseRoomID(roomID)
	if err != nil {
		return false
	}
	return userID == p || userID == d
}
