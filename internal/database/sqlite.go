package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"patient-monitor/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

const (
	placeholderPatientName    = "ESP32 Patient"
	placeholderPatientContact = "N/A"
	defaultCondition          = "stable"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	repo := &Repository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return repo, nil
}

// NewRepositoryFromDB wraps an already opened handle without touching the schema.
func NewRepositoryFromDB(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS staff (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			employe_id TEXT UNIQUE NOT NULL,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('doctor','nurse')),
			is_admin INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			floor INTEGER NOT NULL,
			type TEXT NOT NULL,
			occupied INTEGER DEFAULT 0,
			patient_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			contact TEXT NOT NULL,
			room TEXT,
			condition TEXT DEFAULT 'stable',
			assigned_nurse_id INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS vitals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			heart_rate INTEGER,
			spo2 INTEGER,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(patient_id) REFERENCES patients(id)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			heart_rate INTEGER,
			spo2 INTEGER,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			acknowledged INTEGER DEFAULT 0,
			acknowledged_at DATETIME,
			FOREIGN KEY(patient_id) REFERENCES patients(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vitals_patient_ts ON vitals(patient_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_patient_ts ON alerts(patient_id, timestamp DESC)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) PatientExists(ctx context.Context, patientID string) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM patients WHERE id = ?`, patientID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup patient %s: %w", patientID, err)
	}
	return true, nil
}

// CreatePatient inserts a placeholder patient. Concurrent creators race
// harmlessly thanks to INSERT OR IGNORE.
func (r *Repository) CreatePatient(ctx context.Context, patientID string) error {
	query := `INSERT OR IGNORE INTO patients (id, name, contact, room, condition) VALUES (?, ?, ?, NULL, ?)`
	if _, err := r.db.ExecContext(ctx, query, patientID, placeholderPatientName, placeholderPatientContact, defaultCondition); err != nil {
		return fmt.Errorf("create patient %s: %w", patientID, err)
	}
	return nil
}

func (r *Repository) InsertVitals(ctx context.Context, v models.VitalsReading) (int64, error) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO vitals (patient_id, heart_rate, spo2, timestamp) VALUES (?, ?, ?, ?)`,
		v.PatientID, nullInt(v.HeartRate), nullInt(v.SpO2), v.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert vitals for %s: %w", v.PatientID, err)
	}
	return res.LastInsertId()
}

// LatestVitals returns the most recent vitals row for a patient, or ErrNotFound.
func (r *Repository) LatestVitals(ctx context.Context, patientID string) (*models.VitalsReading, error) {
	rows, err := r.queryVitals(ctx,
		`SELECT v.id, v.patient_id, v.heart_rate, v.spo2, v.timestamp, NULL, NULL
		 FROM vitals v WHERE v.patient_id = ? ORDER BY v.timestamp DESC, v.id DESC LIMIT 1`, patientID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (r *Repository) RecentVitals(ctx context.Context, limit int) ([]models.VitalsReading, error) {
	return r.queryVitals(ctx,
		`SELECT v.id, v.patient_id, v.heart_rate, v.spo2, v.timestamp, p.name, p.room
		 FROM vitals v JOIN patients p ON v.patient_id = p.id
		 ORDER BY v.timestamp DESC, v.id DESC LIMIT ?`, limit)
}

func (r *Repository) VitalsForPatient(ctx context.Context, patientID string, limit int) ([]models.VitalsReading, error) {
	return r.queryVitals(ctx,
		`SELECT v.id, v.patient_id, v.heart_rate, v.spo2, v.timestamp, NULL, NULL
		 FROM vitals v WHERE v.patient_id = ?
		 ORDER BY v.timestamp DESC, v.id DESC LIMIT ?`, patientID, limit)
}

func (r *Repository) VitalsHistory(ctx context.Context, since *time.Time, limit int) ([]models.VitalsReading, error) {
	if since == nil {
		return r.queryVitals(ctx,
			`SELECT v.id, v.patient_id, v.heart_rate, v.spo2, v.timestamp, p.name, p.room
			 FROM vitals v LEFT JOIN patients p ON p.id = v.patient_id
			 ORDER BY v.timestamp DESC, v.id DESC LIMIT ?`, limit)
	}
	return r.queryVitals(ctx,
		`SELECT v.id, v.patient_id, v.heart_rate, v.spo2, v.timestamp, p.name, p.room
		 FROM vitals v LEFT JOIN patients p ON p.id = v.patient_id
		 WHERE v.timestamp >= ?
		 ORDER BY v.timestamp DESC, v.id DESC LIMIT ?`, since.UTC(), limit)
}

func (r *Repository) queryVitals(ctx context.Context, query string, args ...any) ([]models.VitalsReading, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vitals: %w", err)
	}
	defer rows.Close()

	var out []models.VitalsReading
	for rows.Next() {
		var v models.VitalsReading
		var hr, spo2 sql.NullInt64
		var name, room sql.NullString
		if err := rows.Scan(&v.ID, &v.PatientID, &hr, &spo2, &v.Timestamp, &name, &room); err != nil {
			return nil, fmt.Errorf("scan vitals: %w", err)
		}
		v.HeartRate = intFromNull(hr)
		v.SpO2 = intFromNull(spo2)
		v.Name = nullString(name)
		v.Room = nullString(room)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *Repository) InsertAlert(ctx context.Context, a models.Alert) (int64, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO alerts (patient_id, type, severity, message, heart_rate, spo2, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.PatientID, string(a.Type), string(a.Severity), a.Message, nullInt(a.HeartRate), nullInt(a.SpO2), a.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s alert for %s: %w", a.Type, a.PatientID, err)
	}
	return res.LastInsertId()
}

const alertColumns = `a.id, a.patient_id, a.type, a.severity, a.message, a.heart_rate, a.spo2,
	a.timestamp, a.acknowledged, a.acknowledged_at, p.name, p.room`

// GetAlert reads an alert joined with its patient's name and room.
func (r *Repository) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	alerts, err := r.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts a LEFT JOIN patients p ON p.id = a.patient_id WHERE a.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, ErrNotFound
	}
	return &alerts[0], nil
}

// AcknowledgeAlert flips acknowledged to true. acknowledged_at keeps the first
// acknowledgment time, so repeated calls are no-ops.
func (r *Repository) AcknowledgeAlert(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = 1, acknowledged_at = COALESCE(acknowledged_at, ?) WHERE id = ?`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	return r.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts a JOIN patients p ON a.patient_id = p.id
		 WHERE a.acknowledged = 0 ORDER BY a.timestamp DESC, a.id DESC`)
}

func (r *Repository) AlertHistory(ctx context.Context, since *time.Time, limit int) ([]models.Alert, error) {
	if since == nil {
		return r.queryAlerts(ctx,
			`SELECT `+alertColumns+` FROM alerts a LEFT JOIN patients p ON p.id = a.patient_id
			 ORDER BY a.timestamp DESC, a.id DESC LIMIT ?`, limit)
	}
	return r.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts a LEFT JOIN patients p ON p.id = a.patient_id
		 WHERE a.timestamp >= ? ORDER BY a.timestamp DESC, a.id DESC LIMIT ?`, since.UTC(), limit)
}

func (r *Repository) queryAlerts(ctx context.Context, query string, args ...any) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var alertType, severity string
		var hr, spo2 sql.NullInt64
		var ackAt sql.NullTime
		var name, room sql.NullString
		if err := rows.Scan(&a.ID, &a.PatientID, &alertType, &severity, &a.Message, &hr, &spo2,
			&a.Timestamp, &a.Acknowledged, &ackAt, &name, &room); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type = models.AlertType(alertType)
		a.Severity = models.Severity(severity)
		a.HeartRate = intFromNull(hr)
		a.SpO2 = intFromNull(spo2)
		if ackAt.Valid {
			t := ackAt.Time
			a.AcknowledgedAt = &t
		}
		a.Name = nullString(name)
		a.Room = nullString(room)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DoctorEmails lists the email of every staff member with the doctor role.
func (r *Repository) DoctorEmails(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT email FROM staff WHERE role = 'doctor' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query doctor emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email sql.NullString
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan doctor email: %w", err)
		}
		if email.Valid && email.String != "" {
			emails = append(emails, email.String)
		}
	}
	return emails, rows.Err()
}

// AddStaff inserts a staff row with an unusable password hash. It backs
// seeding and tests; staff management itself lives outside this service.
func (r *Repository) AddStaff(ctx context.Context, employeeID, username, email, role string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO staff (employe_id, username, email, password_hash, role) VALUES (?, ?, ?, '!', ?)`,
		employeeID, username, email, role)
	if err != nil {
		return 0, fmt.Errorf("add staff %s: %w", username, err)
	}
	return res.LastInsertId()
}

func (r *Repository) DashboardStats(ctx context.Context, now time.Time) (*models.DashboardStats, error) {
	var stats models.DashboardStats
	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&stats.TotalPatients, `SELECT COUNT(*) FROM patients`, nil},
		{&stats.ActiveMonitors, `SELECT COUNT(DISTINCT patient_id) FROM vitals WHERE timestamp >= ?`, []any{now.Add(-5 * time.Minute).UTC()}},
		{&stats.CriticalAlerts, `SELECT COUNT(*) FROM alerts WHERE severity = 'critical' AND acknowledged = 0`, nil},
		{&stats.TotalNurses, `SELECT COUNT(*) FROM staff WHERE role = 'nurse'`, nil},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("dashboard stats: %w", err)
		}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT timestamp, acknowledged_at FROM alerts
		 WHERE acknowledged = 1 AND acknowledged_at IS NOT NULL
		 ORDER BY timestamp DESC LIMIT 50`)
	if err != nil {
		return nil, fmt.Errorf("dashboard response times: %w", err)
	}
	defer rows.Close()

	var total time.Duration
	var n int
	for rows.Next() {
		var raisedAt, ackAt time.Time
		if err := rows.Scan(&raisedAt, &ackAt); err != nil {
			return nil, fmt.Errorf("scan response time: %w", err)
		}
		total += ackAt.Sub(raisedAt)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.AvgResponseTime = "-"
	if n > 0 {
		stats.AvgResponseTime = fmt.Sprintf("%d min", int(math.Round(total.Minutes()/float64(n))))
	}
	return &stats, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
