package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"papergrader/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a submission write loses an
	// optimistic concurrency check against a newer stored version.
	ErrVersionConflict = errors.New("submission version conflict")
	// ErrBreakdownMismatch is returned when a score's criteria breakdown
	// sum disagrees with its points beyond tolerance.
	ErrBreakdownMismatch = errors.New("criteria breakdown sum does not match score points")
	// ErrSchemaInUse is returned when deleting a schema that submissions
	// still reference.
	ErrSchemaInUse = errors.New("schema is referenced by submissions")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rubric_schemas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '1',
		description TEXT NOT NULL DEFAULT '',
		questions TEXT NOT NULL,
		guidelines TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schema_id INTEGER NOT NULL,
		candidate_name TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL,
		extracted_text TEXT NOT NULL DEFAULT '',
		answers TEXT NOT NULL DEFAULT '[]',
		scores TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		error_at DATETIME,
		review_notes TEXT NOT NULL DEFAULT '',
		reviewed_by TEXT NOT NULL DEFAULT '',
		reviewed_at DATETIME,
		created_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (schema_id) REFERENCES rubric_schemas(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'reviewer',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSchema stores a new rubric schema.
func (s *Store) CreateSchema(schema model.RubricSchema) (int64, error) {
	if err := schema.Validate(); err != nil {
		return 0, fmt.Errorf("validate schema: %w", err)
	}
	questions, guidelines, err := marshalSchemaDocs(schema)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO rubric_schemas (name, version, description, questions, guidelines, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		schema.Name, schema.Version, schema.Description, questions, guidelines, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSchema returns a rubric schema by ID.
func (s *Store) GetSchema(id int64) (model.RubricSchema, error) {
	var schema model.RubricSchema
	var questions, guidelines string
	err := s.db.QueryRow(
		`SELECT id, name, version, description, questions, guidelines, created_at, updated_at
		 FROM rubric_schemas WHERE id = ?`, id,
	).Scan(&schema.ID, &schema.Name, &schema.Version, &schema.Description,
		&questions, &guidelines, &schema.CreatedAt, &schema.UpdatedAt)
	if err == sql.ErrNoRows {
		return schema, fmt.Errorf("schema %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return schema, err
	}
	if err := unmarshalSchemaDocs(&schema, questions, guidelines); err != nil {
		return schema, err
	}
	return schema, nil
}

// UpdateSchema replaces a schema's editable fields. Existing submissions
// are not revalidated: their stored scores keep the max points that were
// current when they were graded.
func (s *Store) UpdateSchema(schema model.RubricSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}
	questions, guidelines, err := marshalSchemaDocs(schema)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE rubric_schemas SET name = ?, version = ?, description = ?, questions = ?, guidelines = ?, updated_at = ?
		 WHERE id = ?`,
		schema.Name, schema.Version, schema.Description, questions, guidelines, time.Now(), schema.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schema %d: %w", schema.ID, ErrNotFound)
	}
	return nil
}

// ListSchemas returns all rubric schemas, newest first.
func (s *Store) ListSchemas() ([]model.RubricSchema, error) {
	rows, err := s.db.Query(
		`SELECT id, name, version, description, questions, guidelines, created_at, updated_at
		 FROM rubric_schemas ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schemas []model.RubricSchema
	for rows.Next() {
		var schema model.RubricSchema
		var questions, guidelines string
		if err := rows.Scan(&schema.ID, &schema.Name, &schema.Version, &schema.Description,
			&questions, &guidelines, &schema.CreatedAt, &schema.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalSchemaDocs(&schema, questions, guidelines); err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, rows.Err()
}

// DeleteSchema removes a schema that no submission references.
func (s *Store) DeleteSchema(id int64) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM submissions WHERE schema_id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("schema %d: %w", id, ErrSchemaInUse)
	}
	res, err := s.db.Exec(`DELETE FROM rubric_schemas WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schema %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSubmission stores a new submission in pending status.
func (s *Store) CreateSubmission(sub model.Submission) (int64, error) {
	if _, err := s.GetSchema(sub.SchemaID); err != nil {
		return 0, err
	}
	images, err := json.Marshal(sub.Images)
	if err != nil {
		return 0, fmt.Errorf("marshal images: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO submissions (schema_id, candidate_name, images, status, created_at, version)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		sub.SchemaID, sub.CandidateName, string(images), model.StatusPending, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(id int64) (model.Submission, error) {
	row := s.db.QueryRow(
		`SELECT id, schema_id, candidate_name, images, extracted_text, answers, scores,
		        status, error_message, error_at, review_notes, reviewed_by, reviewed_at,
		        created_at, version
		 FROM submissions WHERE id = ?`, id,
	)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return sub, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	return sub, err
}

// SaveSubmission writes back a submission's mutable fields. The write is
// an optimistic compare-and-swap on the version column: it fails with
// ErrVersionConflict if another writer saved the record in the meantime.
// Score consistency is enforced here as a last line of defense: a
// breakdown whose sum disagrees with its points is never persisted.
func (s *Store) SaveSubmission(sub *model.Submission) error {
	if err := validateScores(sub.Scores); err != nil {
		return err
	}
	answers, err := json.Marshal(emptyAsList(sub.Answers))
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	scores, err := json.Marshal(emptyScoresAsList(sub.Scores))
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE submissions
		 SET candidate_name = ?, extracted_text = ?, answers = ?, scores = ?,
		     status = ?, error_message = ?, error_at = ?,
		     review_notes = ?, reviewed_by = ?, reviewed_at = ?,
		     version = version + 1
		 WHERE id = ? AND version = ?`,
		sub.CandidateName, sub.ExtractedText, string(answers), string(scores),
		sub.Status, sub.ErrorMessage, sub.ErrorAt,
		sub.ReviewNotes, sub.ReviewedBy, sub.ReviewedAt,
		sub.ID, sub.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or someone else bumped the version.
		if _, err := s.GetSubmission(sub.ID); err != nil {
			return err
		}
		return fmt.Errorf("submission %d: %w", sub.ID, ErrVersionConflict)
	}
	sub.Version++
	return nil
}

// ListSubmissions returns submissions, optionally filtered by schema and
// status (zero values mean no filter), newest first.
func (s *Store) ListSubmissions(schemaID int64, status model.Status) ([]model.Submission, error) {
	query := `SELECT id, schema_id, candidate_name, images, extracted_text, answers, scores,
	                 status, error_message, error_at, review_notes, reviewed_by, reviewed_at,
	                 created_at, version
	          FROM submissions WHERE 1=1`
	var args []any
	if schemaID != 0 {
		query += ` AND schema_id = ?`
		args = append(args, schemaID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListExportable returns a schema's scored and reviewed submissions in
// creation order.
func (s *Store) ListExportable(schemaID int64) ([]model.Submission, error) {
	rows, err := s.db.Query(
		`SELECT id, schema_id, candidate_name, images, extracted_text, answers, scores,
		        status, error_message, error_at, review_notes, reviewed_by, reviewed_at,
		        created_at, version
		 FROM submissions WHERE schema_id = ? AND status IN (?, ?) ORDER BY id`,
		schemaID, model.StatusScored, model.StatusReviewed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (model.Submission, error) {
	var sub model.Submission
	var images, answers, scores string
	err := row.Scan(&sub.ID, &sub.SchemaID, &sub.CandidateName, &images, &sub.ExtractedText,
		&answers, &scores, &sub.Status, &sub.ErrorMessage, &sub.ErrorAt,
		&sub.ReviewNotes, &sub.ReviewedBy, &sub.ReviewedAt, &sub.CreatedAt, &sub.Version)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(images), &sub.Images); err != nil {
		return sub, fmt.Errorf("unmarshal images for submission %d: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return sub, fmt.Errorf("unmarshal answers for submission %d: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(scores), &sub.Scores); err != nil {
		return sub, fmt.Errorf("unmarshal scores for submission %d: %w", sub.ID, err)
	}
	return sub, nil
}

func validateScores(scores []model.QuestionScore) error {
	for _, sc := range scores {
		if sc.Feedback == "" {
			return fmt.Errorf("question %d: feedback is required", sc.QuestionNumber)
		}
		switch sc.Confidence {
		case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
		default:
			return fmt.Errorf("question %d: invalid confidence %q", sc.QuestionNumber, sc.Confidence)
		}
		// An all-zero breakdown cannot be rescaled; the orchestrator
		// logs that discrepancy instead of raising it, so it may land
		// here and is allowed through.
		if !sc.BreakdownConsistent() && sc.BreakdownSum() != 0 {
			return fmt.Errorf("question %d (sum %.2f vs points %.2f): %w",
				sc.QuestionNumber, sc.BreakdownSum(), sc.Points, ErrBreakdownMismatch)
		}
	}
	return nil
}

func marshalSchemaDocs(schema model.RubricSchema) (questions, guidelines string, err error) {
	q, err := json.Marshal(schema.Questions)
	if err != nil {
		return "", "", fmt.Errorf("marshal questions: %w", err)
	}
	g, err := json.Marshal(schema.Guidelines)
	if err != nil {
		return "", "", fmt.Errorf("marshal guidelines: %w", err)
	}
	return string(q), string(g), nil
}

func unmarshalSchemaDocs(schema *model.RubricSchema, questions, guidelines string) error {
	if err := json.Unmarshal([]byte(questions), &schema.Questions); err != nil {
		return fmt.Errorf("unmarshal questions for schema %d: %w", schema.ID, err)
	}
	if err := json.Unmarshal([]byte(guidelines), &schema.Guidelines); err != nil {
		return fmt.Errorf("unmarshal guidelines for schema %d: %w", schema.ID, err)
	}
	return nil
}

// emptyAsList keeps JSON columns as [] rather than null.
func emptyAsList(a []model.ExtractedAnswer) []model.ExtractedAnswer {
	if a == nil {
		return []model.ExtractedAnswer{}
	}
	return a
}

func emptyScoresAsList(s []model.QuestionScore) []model.QuestionScore {
	if s == nil {
		return []model.QuestionScore{}
	}
	return s
}
