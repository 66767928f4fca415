// Package execenv implements the dual execution environment: warrant
// verification, data-plane selection, record and file stores, shadow
// synthesis, and timing normalization.
package execenv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a production-plane miss. The shadow plane never
// returns it for record-by-id lookups.
var ErrNotFound = errors.New("execenv: record not found")

// Patient is a patient record. Both planes marshal through this
// struct, so the response schemas are bit-identical; only values
// differ.
type Patient struct {
	ID         int    `json:"patient_id"`
	Name       string `json:"name"`
	DOB        string `json:"dob"`
	Diagnosis  string `json:"diagnosis"`
	Medication string `json:"medication"`
	Physician  string `json:"physician"`
}

// Employee is an employee record.
type Employee struct {
	ID         int    `json:"employee_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Salary     int    `json:"salary"`
	Email      string `json:"email"`
}

// RecordStore is one plane's database. Shadow stores synthesize and
// persist records for ids that miss, so repeat reads are stable and
// the caller never observes a miss.
type RecordStore struct {
	db         *sql.DB
	synthesize bool
	gen        *Generator
}

// OpenStore opens (or creates) a plane database. synthesize enables
// shadow-side dynamic generation; gen may be nil when it is off.
func OpenStore(path string, synthesize bool, gen *Generator) (*RecordStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if synthesize && gen == nil {
		db.Close()
		return nil, fmt.Errorf("synthesizing store requires a generator")
	}

	return &RecordStore{db: db, synthesize: synthesize, gen: gen}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		patient_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		dob TEXT NOT NULL,
		diagnosis TEXT NOT NULL,
		medication TEXT NOT NULL,
		physician TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS employees (
		employee_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		department TEXT NOT NULL,
		salary INTEGER NOT NULL,
		email TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patients_name ON patients(name);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// GetPatient looks up a patient by id, synthesizing on a shadow miss.
func (s *RecordStore) GetPatient(ctx context.Context, id int) (*Patient, error) {
	p, err := s.readPatient(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) || !s.synthesize {
		return nil, err
	}

	// Deterministic per-id fabrication, persisted so any later
	// session reads the same record. INSERT OR IGNORE keeps a
	// concurrent first-read race harmless.
	synth := s.gen.Patient(id)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO patients (patient_id, name, dob, diagnosis, medication, physician)
		VALUES (?, ?, ?, ?, ?, ?)`,
		synth.ID, synth.Name, synth.DOB, synth.Diagnosis, synth.Medication, synth.Physician,
	)
	if err != nil {
		return nil, fmt.Errorf("persist synthetic patient: %w", err)
	}
	return s.readPatient(ctx, id)
}

func (s *RecordStore) readPatient(ctx context.Context, id int) (*Patient, error) {
	var p Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT patient_id, name, dob, diagnosis, medication, physician
		FROM patients WHERE patient_id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.DOB, &p.Diagnosis, &p.Medication, &p.Physician)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read patient: %w", err)
	}
	return &p, nil
}

// GetEmployee looks up an employee by id, synthesizing on a shadow
// miss.
func (s *RecordStore) GetEmployee(ctx context.Context, id int) (*Employee, error) {
	e, err := s.readEmployee(ctx, id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) || !s.synthesize {
		return nil, err
	}

	synth := s.gen.Employee(id)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO employees (employee_id, name, role, department, salary, email)
		VALUES (?, ?, ?, ?, ?, ?)`,
		synth.ID, synth.Name, synth.Role, synth.Department, synth.Salary, synth.Email,
	)
	if err != nil {
		return nil, fmt.Errorf("persist synthetic employee: %w", err)
	}
	return s.readEmployee(ctx, id)
}

func (s *RecordStore) readEmployee(ctx context.Context, id int) (*Employee, error) {
	var e Employee
	err := s.db.QueryRowContext(ctx, `
		SELECT employee_id, name, role, department, salary, email
		FROM employees WHERE employee_id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.Role, &e.Department, &e.Salary, &e.Email)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read employee: %w", err)
	}
	return &e, nil
}

// SearchPatients returns patients whose name contains the query.
// Search misses return an empty list on both planes; only by-id
// lookups synthesize.
func (s *RecordStore) SearchPatients(ctx context.Context, query string, limit int) ([]Patient, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id, name, dob, diagnosis, medication, physician
		FROM patients WHERE name LIKE ? ORDER BY patient_id LIMIT ?`,
		"%"+query+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	results := make([]Patient, 0)
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.DOB, &p.Diagnosis, &p.Medication, &p.Physician); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// PutPatient inserts or replaces a patient record. Used by scenario
// seeding.
func (s *RecordStore) PutPatient(ctx context.Context, p *Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO patients (patient_id, name, dob, diagnosis, medication, physician)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.DOB, p.Diagnosis, p.Medication, p.Physician,
	)
	return err
}

// PutEmployee inserts or replaces an employee record.
func (s *RecordStore) PutEmployee(ctx context.Context, e *Employee) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO employees (employee_id, name, role, department, salary, email)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Role, e.Department, e.Salary, e.Email,
	)
	return err
}
