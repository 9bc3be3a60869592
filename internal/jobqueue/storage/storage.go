package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned when a job record does not exist
var ErrJobNotFound = errors.New("job not found")

// DefaultListLimit caps List when the filter sets no limit
const DefaultListLimit = 20

// MaxListLimit is the largest page List returns
const MaxListLimit = 500

// Record is the stored view of a job
type Record struct {
	ID        int64     `db:"id"`
	Type      string    `db:"type"`
	Data      Data      `db:"data"`
	State     string    `db:"state"`
	Error     string    `db:"error_message"`
	WorkerID  string    `db:"worker_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Filter narrows List. AfterID is an exclusive keyset cursor.
type Filter struct {
	Type    string
	State   string
	AfterID int64
	Limit   int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Store persists job records for inspection. Save is an upsert that never
// moves a record backwards: a state older than the stored one is ignored.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// stateRank orders states along the job lifecycle
func stateRank(state string) int {
	switch state {
	case "created":
		return 0
	case "enqueued":
		return 1
	case "active":
		return 2
	case "completed", "failed":
		return 3
	default:
		return -1
	}
}

// Data is the job payload stored as a JSON column
type Data map[string]any

// Value implements driver.Valuer
func (d Data) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner
func (d *Data) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported job data type %T", src)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	*d = m
	return nil
}
