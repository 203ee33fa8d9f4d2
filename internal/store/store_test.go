package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(i int) *AccidentRecord {
	return &AccidentRecord{
		ID:           fmt.Sprintf("rec-%03d", i),
		StreamID:     "cam-1",
		Timestamp:    base.Add(time.Duration(i) * time.Second),
		Location:     "28.6139, 77.209",
		Coordinates:  Coordinates{Lat: 28.6139, Lng: 77.209},
		Confidence:   0.5 + float64(i)/1000,
		VehicleCount: 2,
		Status:       StatusAlertSent,
	}
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "accidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// storeContract runs the ordering and limit checks every backend must pass
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	// insert out of order
	for _, i := range []int{3, 0, 7, 5, 1, 9, 2, 8, 4, 6} {
		require.NoError(t, s.Insert(ctx, record(i)))
	}

	got, err := s.Recent(ctx, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for k, want := range []string{"rec-009", "rec-008", "rec-007", "rec-006"} {
		assert.Equal(t, want, got[k].ID)
	}
	assert.Equal(t, record(9).Timestamp, got[0].Timestamp)
	assert.Equal(t, StatusAlertSent, got[0].Status)
	assert.Equal(t, 2, got[0].VehicleCount)
	assert.InDelta(t, 28.6139, got[0].Coordinates.Lat, 1e-9)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.After(all[i-1].Timestamp), "records must be newest first")
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore(0))
}

func TestSQLiteStoreContract(t *testing.T) {
	storeContract(t, newSQLite(t))
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	ctx := context.Background()
	s, err := NewMongoStore(ctx, uri, fmt.Sprintf("crashwatch_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		s.Close()
	})
	storeContract(t, s)
}

func TestRecentDefaultLimit(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		require.NoError(t, s.Insert(ctx, record(i)))
	}
	got, err := s.Recent(ctx, -1)
	require.NoError(t, err)
	assert.Len(t, got, DefaultRecentLimit)
	assert.Equal(t, "rec-059", got[0].ID)
}

func TestMemoryStoreRetention(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Insert(ctx, record(i)))
	}
	assert.Equal(t, 5, s.Len())

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "rec-007", got[0].ID)
	assert.Equal(t, "rec-003", got[4].ID)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	rec := record(1)
	require.NoError(t, s.Insert(ctx, rec))
	rec.Location = "changed"

	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "28.6139, 77.209", got[0].Location)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore(0)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Insert(context.Background(), record(1)), ErrClosed)
	_, err := s.Recent(context.Background(), 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteSettings(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, "location")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSetting(ctx, "location", "1,2"))
	require.NoError(t, s.SaveSetting(ctx, "location", "3,4"))
	v, ok, err := s.GetSetting(ctx, "location")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3,4", v)
}

func TestSQLiteDeleteBefore(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Insert(ctx, record(i)))
	}
	n, err := s.DeleteBefore(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSQLiteDuplicateIDFails(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, record(1)))
	assert.Error(t, s.Insert(ctx, record(1)))
}

type failingStore struct {
	name   string
	closed bool
}

func (f *failingStore) Name() string                   { return f.name }
func (f *failingStore) Ping(ctx context.Context) error { return errors.New("unreachable") }
func (f *failingStore) Insert(ctx context.Context, rec *AccidentRecord) error {
	return errors.New("unreachable")
}
func (f *failingStore) Recent(ctx context.Context, limit int) ([]*AccidentRecord, error) {
	return nil, errors.New("unreachable")
}
func (f *failingStore) Close() error { f.closed = true; return nil }

func TestSelectPrefersFirstReachable(t *testing.T) {
	down := &failingStore{name: "mongo"}
	sq := newSQLite(t)

	got := Select(context.Background(), nil, 0, down, sq)
	assert.Equal(t, "sqlite", got.Name())
	assert.True(t, down.closed)
}

func TestSelectFallsBackToMemory(t *testing.T) {
	a := &failingStore{name: "mongo"}
	b := &failingStore{name: "sqlite"}

	got := Select(context.Background(), nil, 10, nil, a, b)
	assert.Equal(t, "memory", got.Name())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
