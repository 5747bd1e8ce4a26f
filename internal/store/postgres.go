package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/metrics"
	"github.com/Muhammedshibil-123/MyCalo-AI-sub000/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS consultations (
	consultation_id   TEXT PRIMARY KEY,
	patient_id        TEXT NOT NULL,
	doctor_id         TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'active',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_message_time TEXT NOT NULL DEFAULT '',
	resolved_at       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_consultations_doctor_status ON consultations(doctor_id, status);
`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observePostgres(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

// GetConsultation retrieves a consultation by id.
func (s *PostgresStore) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	defer observePostgres(time.Now())

	c := &models.Consultation{}
	err := s.pool.QueryRow(ctx, `
		SELECT consultation_id, patient_id, doctor_id, status, created_at, last_message_time, resolved_at
		FROM consultations WHERE consultation_id = $1
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// EnsureConsultation returns the consultation of a room, creating it as
// active on first use.
func (s *PostgresStore) EnsureConsultation(ctx context.Context, roomID string) (*models.Consultation, error) {
	c, err := newConsultation(roomID, time.Now())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO consultations (consultation_id, patient_id, doctor_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (consultation_id) DO NOTHING
	`, c.ConsultationID, c.PatientID, c.DoctorID, c.Status, c.CreatedAt)
	observePostgres(start)
	if err != nil {
		return nil, err
	}
	return s.GetConsultation(ctx, roomID)
}

// ListForDoctor lists a doctor's consultations with the given status, most
// recently active first.
func (s *PostgresStore) ListForDoctor(ctx context.Context, doctorID, status string) ([]models.Consultation, error) {
	defer observePostgres(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT consultation_id, patient_id, doctor_id, status, created_at, last_message_time, resolved_at
		FROM consultations
		WHERE doctor_id = $1 AND status = $2
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
func (s *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) error {
	defer observePostgres(time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE consultations SET status = $2, resolved_at = $3
		WHERE consultation_id = $1
	`, id, models.StatusResolved, at.UTC().Format(models.TimestampLayout))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastMessage records the timestamp of the newest message in a room.
func (s *PostgresStore) TouchLastMessage(ctx context.Context, id, timestamp string) error {
	defer observePostgres(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE consultations SET last_message_time = $2
		WHERE consultation_id = $1 AND last_message_time < $2
	`, id, timestamp)
	return err
}
