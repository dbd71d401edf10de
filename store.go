package vitalsguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS anomalies (
		id          TEXT PRIMARY KEY,
		recorded_at TIMESTAMP NOT NULL,
		source      TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		patient_id  TEXT NOT NULL,
		reason      TEXT NOT NULL,
		stage       TEXT NOT NULL,
		detail      TEXT NOT NULL,
		payload     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS anomalies_recorded_at ON anomalies (recorded_at)`,
	`CREATE TABLE IF NOT EXISTS vitals (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		patient_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		measured_at TIMESTAMP NOT NULL,
		heart_rate  INTEGER NOT NULL,
		spo2        INTEGER NOT NULL,
		temp        DOUBLE PRECISION NOT NULL,
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS vitals_patient ON vitals (patient_id, measured_at)`,
}

const (
	insertAnomaly = `INSERT INTO anomalies
		(id, recorded_at, source, tenant_id, patient_id, reason, stage, detail, payload)
		VALUES (:id, :recorded_at, :source, :tenant_id, :patient_id, :reason, :stage, :detail, :payload)`
	insertReading = `INSERT INTO vitals
		(id, tenant_id, patient_id, device_id, measured_at, heart_rate, spo2, temp, received_at)
		VALUES (:id, :tenant_id, :patient_id, :device_id, :measured_at, :heart_rate, :spo2, :temp, :received_at)`
)

// SQLStore persists anomalies and accepted readings through sqlx. It works
// with the sqlite3 and postgres drivers.
type SQLStore struct {
	db *sqlx.DB
}

var (
	_ AnomalySink = (*SQLStore)(nil)
	_ VitalsSink  = (*SQLStore)(nil)
)

// OpenSQLStore connects with driver ("sqlite3" or "postgres") and applies
// the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite3" {
		// one writer; also keeps a :memory: database alive across calls
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Name() string { return "sql" }

func (s *SQLStore) WriteAnomaly(ctx context.Context, rec AnomalyRecord) error {
	if _, err := s.db.NamedExecContext(ctx, insertAnomaly, rec); err != nil {
		return fmt.Errorf("insert anomaly %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) WriteReading(ctx context.Context, r AcceptedReading) error {
	if _, err := s.db.NamedExecContext(ctx, insertReading, r); err != nil {
		return fmt.Errorf("insert reading %s: %w", r.ID, err)
	}
	return nil
}

// AnomalyFilter narrows ListAnomalies. Zero fields do not filter.
type AnomalyFilter struct {
	Reason    Reason
	PatientID string
	Since     time.Time
	Limit     int
}

// ListAnomalies returns matching anomalies, newest first.
func (s *SQLStore) ListAnomalies(ctx context.Context, f AnomalyFilter) ([]AnomalyRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Reason != ReasonNone {
		where = append(where, "reason = ?")
		args = append(args, string(f.Reason))
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UTC())
	}
	query := "SELECT id, recorded_at, source, tenant_id, patient_id, reason, stage, detail, payload FROM anomalies"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []AnomalyRecord
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return out, nil
}

// CountByReason aggregates anomalies recorded at or after since.
func (s *SQLStore) CountByReason(ctx context.Context, since time.Time) (map[Reason]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		s.db.Rebind("SELECT reason, COUNT(*) FROM anomalies WHERE recorded_at >= ? GROUP BY reason"),
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count anomalies: %w", err)
	}
	defer rows.Close()
	counts := make(map[Reason]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("count anomalies: %w", err)
		}
		counts[Reason(reason)] = n
	}
	return counts, rows.Err()
}

// ReadingsForPatient returns stored readings for a patient, oldest first.
func (s *SQLStore) ReadingsForPatient(ctx context.Context, patientID string) ([]AcceptedReading, error) {
	var out []AcceptedReading
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT id, tenant_id, patient_id, device_id, measured_at, heart_rate, spo2, temp, received_at
		FROM vitals WHERE patient_id = ? ORDER BY measured_at`), patientID)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	return out, nil
}

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
