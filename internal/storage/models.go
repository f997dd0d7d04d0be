package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot is one stored value under a fixed key.
type Snapshot struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
