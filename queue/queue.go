// Package queue persists submissions that could not be delivered to the origin,
// so they can be replayed once the network is back.
package queue

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"
)

// Submission is a request that is waiting to be delivered.
type Submission struct {
	ID       string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	QueuedAt time.Time
	// Number of failed delivery attempts so far.
	Attempts int
}

// NewSubmission captures the given request, reading its body.
// The request body is replaced so the request can still be sent afterwards.
func NewSubmission(r *http.Request, queuedAt time.Time) (Submission, error) {
	s := Submission{
		ID:       uuid.NewString(),
		Method:   r.Method,
		URL:      r.URL.String(),
		Header:   r.Header.Clone(),
		QueuedAt: queuedAt,
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return s, fmt.Errorf("read submission body: %w", err)
		}
		s.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return s, nil
}

// Request rebuilds the HTTP request for the submission.
func (s Submission) Request() (*http.Request, error) {
	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	req, err := http.NewRequest(s.Method, s.URL, body)
	if err != nil {
		return nil, err
	}
	if s.Header != nil {
		req.Header = s.Header.Clone()
	}
	return req, nil
}

// SQLiteQueue is a durable FIFO of submissions.
// Implementations of the sync process rely on it never dropping entries on restart.
type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteQueue opens the queue in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteQueue(filename string) (SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteQueue{}, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS submissions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		header TEXT,
		body BLOB,
		queued_at INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return SQLiteQueue{}, fmt.Errorf("init queue db: %w", err)
	}
	return SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (q SQLiteQueue) Close() error {
	return q.db.Close()
}

// Enqueue appends the submission to the queue.
func (q SQLiteQueue) Enqueue(s Submission) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	header, err := json.Marshal(s.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err = q.db.Exec(`INSERT INTO submissions
		(id, method, url, header, body, queued_at, attempts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Method, s.URL, string(header), s.Body, s.QueuedAt.UnixMilli(), s.Attempts)
	return err
}

// All returns every queued submission, oldest first.
func (q SQLiteQueue) All() ([]Submission, error) {
	rows, err := q.db.Query(`SELECT id, method, url, header, body, queued_at, attempts
		FROM submissions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	submissions := make([]Submission, 0)
	for rows.Next() {
		var s Submission
		var header string
		var queuedAt int64
		if err := rows.Scan(&s.ID, &s.Method, &s.URL, &header, &s.Body, &queuedAt, &s.Attempts); err != nil {
			return submissions, err
		}
		if header != "" {
			if err := json.Unmarshal([]byte(header), &s.Header); err != nil {
				return submissions, fmt.Errorf("decode header of %s: %w", s.ID, err)
			}
		}
		s.QueuedAt = time.UnixMilli(queuedAt)
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

// Remove deletes a delivered submission.
func (q SQLiteQueue) Remove(id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM submissions WHERE id = ?", id)
	return err
}

// MarkAttempt records a failed delivery attempt.
func (q SQLiteQueue) MarkAttempt(id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("UPDATE submissions SET attempts = attempts + 1 WHERE id = ?", id)
	return err
}

// Len returns the number of queued submissions.
func (q SQLiteQueue) Len() (int, error) {
	var n int
	err := q.db.QueryRow("SELECT COUNT(*) FROM submissions").Scan(&n)
	return n, err
}
