package db

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/testutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout, synchronous, tempStore, foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, synchronous) // NORMAL
	assert.Equal(t, 2, tempStore)   // MEMORY
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	st, err := db.MigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Version: 0, Latest: 2, Pending: []uint{1, 2}}, st)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second up is a no-op")
	st, err = db.MigrationStatus()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Version: 2, Latest: 2}, st)

	require.NoError(t, db.MigrateDown())
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	_, err = db.Exec("SELECT COUNT(*) FROM measurements")
	assert.Error(t, err, "measurements table dropped by down migration")
	_, err = db.Exec("SELECT COUNT(*) FROM regions")
	assert.NoError(t, err)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")

	var out strings.Builder
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "Pending: [1 2]")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	err := RunMigrateCommand(&out, []string{"sideways"}, path)
	assert.ErrorContains(t, err, "unknown migrate action")
	assert.Contains(t, out.String(), "Usage: scan migrate")

	assert.Error(t, RunMigrateCommand(&out, nil, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force", "x"}, path))
}

func TestRegions_ReplaceAndLoad(t *testing.T) {
	db := newTestDB(t)

	empty, err := db.Regions()
	require.NoError(t, err)
	assert.Empty(t, empty)

	regions := []geometry.Region{
		{Temperature: 400, AnnealingTime: 450, Thickness: 0, TiFractions: []float64{10, 20.5, 30},
			ReferenceX: 100, ReferenceY: -15, StartDistance: 50, Angle: 0.01},
		{Temperature: 340, AnnealingTime: 1800, Thickness: 1, TiFractions: []float64{90, 80},
			ReferenceX: 100, ReferenceY: -5, StartDistance: 40},
	}
	require.NoError(t, db.ReplaceRegions(regions))
	got, err := db.Regions()
	require.NoError(t, err)
	if diff := cmp.Diff(regions, got); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, db.ReplaceRegions(regions[1:]))
	got, err = db.Regions()
	require.NoError(t, err)
	if diff := cmp.Diff(regions[1:], got); diff != "" {
		t.Errorf("Regions() after replace mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchesAndMeasurements(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	first := geometry.Request{Ti: 41, Temperature: 400, AnnealingTime: 450}

	require.NoError(t, db.StartBatch(id, first, t0))
	require.NoError(t, db.StartBatch(id, first, t0.Add(time.Hour)), "restart is a no-op")

	for i, ti := range []float64{41, 42.5} {
		require.NoError(t, db.RecordMeasurement(Measurement{
			RunID:      uuid.NewString(),
			BatchID:    id,
			BatchCount: i,
			RecordedAt: t0.Add(time.Duration(i) * time.Minute),
			Point:      geometry.Point{Ti: ti, Temperature: 400, AnnealingTime: 450},
			Position:   geometry.XY{X: 40.25, Y: -15},
			Intensity:  float64(i) + 0.5,
			Metadata:   []byte(`{"snapped":false}`),
		}))
	}

	ms, err := db.Measurements(id)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 0, ms[0].BatchCount)
	assert.Equal(t, 42.5, ms[1].Point.Ti)
	assert.Equal(t, t0.Add(time.Minute), ms[1].RecordedAt)
	assert.JSONEq(t, `{"snapped":false}`, string(ms[0].Metadata))

	runErr := errors.New("stage fault")
	require.NoError(t, db.FinishBatch(id, BatchFailed, runErr, t0.Add(time.Hour)))

	batches, err := db.Batches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, id, b.ID)
	assert.Equal(t, BatchFailed, b.Status)
	assert.Equal(t, "stage fault", b.Error)
	assert.Equal(t, first, b.FirstRequest)
	assert.Equal(t, 2, b.Measurements)
	require.NotNil(t, b.FinishedAt)
	assert.Equal(t, t0.Add(time.Hour), *b.FinishedAt)
	assert.Equal(t, t0, b.StartedAt)
}

func TestFinishBatch_Unknown(t *testing.T) {
	db := newTestDB(t)
	err := db.FinishBatch(uuid.New(), BatchTerminated, nil, time.Now())
	assert.ErrorIs(t, err, ErrUnknownBatch)
}

func TestRecordMeasurement_RequiresBatch(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordMeasurement(Measurement{RunID: "r1", BatchID: uuid.New(), RecordedAt: time.Now()})
	assert.Error(t, err, "foreign key on batch_id")
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.ReplaceRegions([]geometry.Region{{Temperature: 1, TiFractions: []float64{1, 2}}}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(t, mux, http.MethodGet, "/debug/backup")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".db.gz")

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "SQLite format 3"))
}
