package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

// SQLiteStore handles SQLite database operations. It backs single-node
// development setups without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/consult.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/consult.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS consultations (
		consultation_id   TEXT PRIMARY KEY,
		patient_id        TEXT NOT NULL,
		doctor_id         TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'active',
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_message_time TEXT NOT NULL DEFAULT '',
		resolved_at       TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_consultations_doctor_status ON consultations(doctor_id, status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConsultation retrieves a consultation by id.
func (s *SQLiteStore) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	c := &models.Consultation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT consultation_id, patient_id, doctor_id, status, created_at, last_message_time, resolved_at
		FROM consultations WHERE consultation_id = ?
	`, id).Scan(
		&c.ConsultationID,
		&c.PatientID,
		&c.DoctorID,
		&c.Status,
		&c.CreatedAt,
		&c.LastMessageTime,
		&c.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// EnsureConsultation returns the consultation of a room, creating it as
// active on first use.
func (s *SQLiteStore) EnsureConsultation(ctx context.Context, roomID string) (*models.Consultation, error) {
	c, err := newConsultation(roomID, time.Now())
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO consultations (consultation_id, patient_id, doctor_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ConsultationID, c.PatientID, c.DoctorID, c.Status, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s.GetConsultation(ctx, roomID)
}

// ListForDoctor lists a doctor's consultations with the given status, most
// recently active first.
func (s *SQLiteStore) ListForDoctor(ctx context.Context, doctorID, status string) ([]models.Consultation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consultation_id, patient_id, doctor_id, status, created_at, last_message_time, resolved_at
		FROM consultations
		WHERE doctor_id = ? AND status = ?
		ORDER BY last_message_time DESC, created_at DESC
	`, doctorID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.Consultation{}
	for rows.Next() {
		var c models.Consultation
		if err := rows.Scan(
			&c.ConsultationID,
			&c.PatientID,
			&c.DoctorID,
			&c.Status,
			&c.CreatedAt,
			&c.LastMessageTime,
			&c.ResolvedAt,
		); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return withPatientData(list), nil
}

// Resolve marks a consultation as resolved.
func (s *SQLiteStore) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consultations SET status = ?, resolved_at = ?
		WHERE consultation_id = ?
	`, models.StatusResolved, at.UTC().Format(models.TimestampLayout), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastMessage records the timestamp of the newest message in a room.
func (s *SQLiteStore) TouchLastMessage(ctx context.Context, id, timestamp string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consultations SET last_message_time = ?
		WHERE consultation_id = ? AND last_message_time < ?
	`, timestamp, id, timestamp)
	return err
}
