// Package store persists recording sessions to SQLite: tasks, their
// correlated UI steps, and the raw network exchanges observed while the
// task ran.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Task is one recording session.
type Task struct {
	ID              int64
	Description     string
	TaskType        string
	Source          string
	Website         string
	Answer          *string
	VideoPath       *string
	CreatedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *float64
	Fingerprint     *string
}

// Step is one recorded UI event within a task.
type Step struct {
	ID               int64
	TaskID           int64
	Timestamp        time.Time
	EventType        string
	EventData        string
	Snapshot         string
	SnapshotMetadata string
	ScreenshotPath   string
}

// Request is an observed outgoing network request. StepID points at the
// step that was current when the request fired and survives step deletion
// as NULL.
type Request struct {
	ID         int64
	TaskID     int64
	StepID     *int64
	RequestUID string
	URL        string
	Method     string
	Headers    string
	PostData   string
	// PostDataEncoding is "base64" when PostData holds an encoded binary
	// body, empty for UTF-8 text.
	PostDataEncoding string
	Cookies          string
	Timestamp        time.Time
}

// Response is the terminal record for a request. Body is stored verbatim,
// binary or not.
type Response struct {
	ID        int64
	TaskID    int64
	RequestID *int64
	Status    int
	Headers   string
	Body      []byte
	Timestamp time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc serializes access per connection; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ErrTaskNotFound reports an operation against a task id with no row.
var ErrTaskNotFound = errors.New("task not found")

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) init() error {
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		description TEXT NOT NULL,
		task_type TEXT NOT NULL,
		source TEXT NOT NULL,
		website TEXT,
		answer TEXT,
		video_path TEXT,
		created_at TEXT NOT NULL,
		ended_at TEXT,
		duration_seconds REAL,
		environment_fingerprint TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT,
		dom_snapshot TEXT,
		dom_snapshot_metadata TEXT,
		screenshot_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id);

	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		step_id INTEGER REFERENCES steps(id) ON DELETE SET NULL,
		request_uid TEXT,
		url TEXT,
		method TEXT,
		headers TEXT,
		post_data TEXT,
		post_data_encoding TEXT,
		cookies TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_task ON requests(task_id);
	CREATE INDEX IF NOT EXISTS idx_requests_uid ON requests(request_uid);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		request_id INTEGER REFERENCES requests(id) ON DELETE SET NULL,
		status INTEGER,
		headers TEXT,
		body BLOB,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_responses_task ON responses(task_id);
	CREATE INDEX IF NOT EXISTS idx_responses_request ON responses(request_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// CreateTask inserts a new task and returns its id.
func (s *Store) CreateTask(description, taskType, source, website string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO tasks (description, task_type, source, website, created_at) VALUES (?, ?, ?, ?, ?)`,
		description, taskType, source, website, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read task id: %w", err)
	}
	return id, nil
}

// EndTask stamps ended_at on the task and records the elapsed duration
// against created_at. Ending an already-ended task is a no-op.
func (s *Store) EndTask(taskID int64) error {
	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.EndedAt != nil {
		return nil
	}
	now := time.Now()
	duration := now.Sub(task.CreatedAt).Seconds()
	_, err = s.db.Exec(
		`UPDATE tasks SET ended_at = ?, duration_seconds = ? WHERE id = ?`,
		formatTime(now), duration, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to end task %d: %w", taskID, err)
	}
	return nil
}

// SaveTaskAnswer stores the operator-provided answer text for a task.
func (s *Store) SaveTaskAnswer(taskID int64, answer string) error {
	res, err := s.db.Exec(`UPDATE tasks SET answer = ? WHERE id = ?`, answer, taskID)
	if err != nil {
		return fmt.Errorf("failed to save answer for task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save answer for task %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// SetTaskVideoPath records where the session recording was written.
func (s *Store) SetTaskVideoPath(taskID int64, path string) error {
	_, err := s.db.Exec(`UPDATE tasks SET video_path = ? WHERE id = ?`, path, taskID)
	if err != nil {
		return fmt.Errorf("failed to set video path for task %d: %w", taskID, err)
	}
	return nil
}

// SetTaskFingerprint records the environment fingerprint JSON for a task.
func (s *Store) SetTaskFingerprint(taskID int64, fingerprint string) error {
	_, err := s.db.Exec(`UPDATE tasks SET environment_fingerprint = ? WHERE id = ?`, fingerprint, taskID)
	if err != nil {
		return fmt.Errorf("failed to set fingerprint for task %d: %w", taskID, err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(taskID int64) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT id, description, task_type, source, COALESCE(website, ''), answer, video_path,
		        created_at, ended_at, duration_seconds, environment_fingerprint
		 FROM tasks WHERE id = ?`, taskID)

	var t Task
	var createdAt string
	var endedAt sql.NullString
	var duration sql.NullFloat64
	var answer, videoPath, fingerprint sql.NullString
	err := row.Scan(&t.ID, &t.Description, &t.TaskType, &t.Source, &t.Website,
		&answer, &videoPath, &createdAt, &endedAt, &duration, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}

	t.CreatedAt = parseTime(createdAt)
	if endedAt.Valid {
		ts := parseTime(endedAt.String)
		t.EndedAt = &ts
	}
	if duration.Valid {
		t.DurationSeconds = &duration.Float64
	}
	if answer.Valid {
		t.Answer = &answer.String
	}
	if videoPath.Valid {
		t.VideoPath = &videoPath.String
	}
	if fingerprint.Valid {
		t.Fingerprint = &fingerprint.String
	}
	return &t, nil
}

// InsertStep persists one recorded step and returns its id.
func (s *Store) InsertStep(step *Step) (int64, error) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO steps (task_id, timestamp, event_type, event_data, dom_snapshot, dom_snapshot_metadata, screenshot_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.TaskID, formatTime(step.Timestamp), step.EventType,
		nullable(step.EventData), nullable(step.Snapshot), nullable(step.SnapshotMetadata), nullable(step.ScreenshotPath),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert step: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read step id: %w", err)
	}
	step.ID = id
	return id, nil
}

// InsertRequest persists one observed request and returns its id.
func (s *Store) InsertRequest(req *Request) (int64, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO requests (task_id, step_id, request_uid, url, method, headers, post_data, post_data_encoding, cookies, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.TaskID, req.StepID, nullable(req.RequestUID), nullable(req.URL), nullable(req.Method),
		nullable(req.Headers), nullable(req.PostData), nullable(req.PostDataEncoding), nullable(req.Cookies), formatTime(req.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read request id: %w", err)
	}
	req.ID = id
	return id, nil
}

// InsertResponse persists one observed response and returns its id.
func (s *Store) InsertResponse(resp *Response) (int64, error) {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO responses (task_id, request_id, status, headers, body, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		resp.TaskID, resp.RequestID, resp.Status, nullable(resp.Headers), resp.Body, formatTime(resp.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert response: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read response id: %w", err)
	}
	resp.ID = id
	return id, nil
}

// FindRequestByUID resolves a request row by its CDP request id within a
// task. Returns (0, nil) when no row matches.
func (s *Store) FindRequestByUID(taskID int64, uid string) (int64, error) {
	row := s.db.QueryRow(
		`SELECT id FROM requests WHERE task_id = ? AND request_uid = ? ORDER BY id DESC LIMIT 1`,
		taskID, uid)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up request %q: %w", uid, err)
	}
	return id, nil
}

// StepsByTask returns all steps of a task in insertion order.
func (s *Store) StepsByTask(taskID int64) ([]*Step, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, timestamp, event_type,
		        COALESCE(event_data, ''), COALESCE(dom_snapshot, ''),
		        COALESCE(dom_snapshot_metadata, ''), COALESCE(screenshot_path, '')
		 FROM steps WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var st Step
		var ts string
		if err := rows.Scan(&st.ID, &st.TaskID, &ts, &st.EventType,
			&st.EventData, &st.Snapshot, &st.SnapshotMetadata, &st.ScreenshotPath); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Timestamp = parseTime(ts)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// RequestsByTask returns all requests of a task in insertion order.
func (s *Store) RequestsByTask(taskID int64) ([]*Request, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, step_id, COALESCE(request_uid, ''), COALESCE(url, ''),
		        COALESCE(method, ''), COALESCE(headers, ''), COALESCE(post_data, ''),
		        COALESCE(post_data_encoding, ''), COALESCE(cookies, ''), timestamp
		 FROM requests WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		var r Request
		var stepID sql.NullInt64
		var ts string
		if err := rows.Scan(&r.ID, &r.TaskID, &stepID, &r.RequestUID, &r.URL,
			&r.Method, &r.Headers, &r.PostData, &r.PostDataEncoding, &r.Cookies, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if stepID.Valid {
			r.StepID = &stepID.Int64
		}
		r.Timestamp = parseTime(ts)
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

// ResponseByRequest returns the response recorded for a request, or nil
// when the exchange never completed.
func (s *Store) ResponseByRequest(requestID int64) (*Response, error) {
	row := s.db.QueryRow(
		`SELECT id, task_id, request_id, COALESCE(status, 0), COALESCE(headers, ''), body, timestamp
		 FROM responses WHERE request_id = ? ORDER BY id DESC LIMIT 1`, requestID)

	var r Response
	var reqID sql.NullInt64
	var ts string
	err := row.Scan(&r.ID, &r.TaskID, &reqID, &r.Status, &r.Headers, &r.Body, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load response for request %d: %w", requestID, err)
	}
	if reqID.Valid {
		r.RequestID = &reqID.Int64
	}
	r.Timestamp = parseTime(ts)
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps the empty string to NULL on insert.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
