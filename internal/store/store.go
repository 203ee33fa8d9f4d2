// Package store persists accident records. A primary store is chosen once at
// startup from an ordered list of candidates, with an in-memory log as the
// last resort.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultRecentLimit is used when a caller asks for a non-positive number of records
const DefaultRecentLimit = 50

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// Status of an accident record at creation time
type Status string

const (
	StatusDetected  Status = "detected"
	StatusAlertSent Status = "alert_sent"
)

// Coordinates is a WGS84 position
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// AccidentRecord is an immutable log entry created once per dispatched alert
type AccidentRecord struct {
	ID           string      `json:"id" bson:"_id"`
	StreamID     string      `json:"stream_id" bson:"stream_id"`
	Timestamp    time.Time   `json:"timestamp" bson:"timestamp"`
	Location     string      `json:"location" bson:"location"`
	Coordinates  Coordinates `json:"coordinates" bson:"coordinates"`
	Confidence   float64     `json:"confidence" bson:"confidence"`
	VehicleCount int         `json:"vehicles_detected" bson:"vehicles_detected"`
	Status       Status      `json:"status" bson:"status"`
}

// Store is an accident record log
type Store interface {
	// Name identifies the backend ("mongo", "sqlite", "memory")
	Name() string

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	// Insert appends a record
	Insert(ctx context.Context, rec *AccidentRecord) error

	// Recent returns at most limit records, newest first
	Recent(ctx context.Context, limit int) ([]*AccidentRecord, error)

	Close() error
}

// SettingsStore is implemented by stores that can also persist small
// key/value settings such as the current location
type SettingsStore interface {
	SaveSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Select returns the first candidate that answers Ping, closing the ones that
// don't. With no reachable candidate it falls back to a MemoryStore with the
// given retention.
func Select(ctx context.Context, logger *zap.SugaredLogger, retention int, candidates ...Store) Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	for i, c := range candidates {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			logger.Warnw("store unavailable, trying next", "store", c.Name(), "error", err)
			if cerr := c.Close(); cerr != nil {
				logger.Debugw("error closing unavailable store", "store", c.Name(), "error", cerr)
			}
			continue
		}
		for _, rest := range candidates[i+1:] {
			if rest != nil {
				_ = rest.Close()
			}
		}
		logger.Infow("using store", "store", c.Name())
		return c
	}

	logger.Warnw("no durable store reachable, records are kept in memory only", "retention", retention)
	return NewMemoryStore(retention)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}

// sortNewestFirst orders records by timestamp descending, keeping insertion
// order for equal timestamps
func sortNewestFirst(records []*AccidentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
