package layout

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/testutil"
)

func regions() []geometry.Region {
	return []geometry.Region{
		{Temperature: 400, AnnealingTime: 450, TiFractions: []float64{10, 20, 30, 40, 50, 60},
			ReferenceX: 0, ReferenceY: -15, StartDistance: 0},
		{Temperature: 340, AnnealingTime: 1800, Thickness: 1, TiFractions: []float64{70, 60, 50},
			ReferenceX: 0, ReferenceY: -5, StartDistance: 9},
	}
}

func TestCells(t *testing.T) {
	cells, err := Cells(regions(), geometry.DefaultCellSize)
	require.NoError(t, err)
	require.Len(t, cells, 9)

	// Cells are indexed backwards from the reference point.
	assert.InDelta(t, -2.25, cells[0].XY.X, 1e-9)
	assert.InDelta(t, -15, cells[0].XY.Y, 1e-9)
	assert.InDelta(t, -6.75, cells[1].XY.X, 1e-9)
	assert.Equal(t, 1, cells[6].Region)
	assert.Equal(t, 70.0, cells[6].Point.Ti)

	_, err = Cells([]geometry.Region{{TiFractions: []float64{1}}}, geometry.DefaultCellSize)
	assert.Error(t, err)
}

func TestPlotRegions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.png")
	require.NoError(t, PlotRegions(regions(), geometry.DefaultCellSize, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.Error(t, PlotRegions(nil, geometry.DefaultCellSize, path))
}

func measurements(batch uuid.UUID) []db.Measurement {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []db.Measurement{
		{RunID: "run-a", BatchID: batch, BatchCount: 0, RecordedAt: t0,
			Point: geometry.Point{Ti: 41, Temperature: 400, AnnealingTime: 450}, Intensity: 12.5},
		{RunID: "run-b", BatchID: batch, BatchCount: 1, RecordedAt: t0.Add(time.Minute),
			Point: geometry.Point{Ti: 46, Temperature: 400, AnnealingTime: 450}, Intensity: 30},
	}
}

func TestBatchChart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, BatchChart(&buf, "Batch test", measurements(uuid.New())))
	html := buf.String()
	assert.Contains(t, html, "Batch test")
	assert.Contains(t, html, "run-b")
	assert.Contains(t, html, "echarts")
}

type fakeSource struct {
	batches []db.Batch
	ms      map[uuid.UUID][]db.Measurement
	err     error
}

func (f *fakeSource) Batches() ([]db.Batch, error) { return f.batches, f.err }

func (f *fakeSource) Measurements(id uuid.UUID) ([]db.Measurement, error) {
	return f.ms[id], f.err
}

func serveChart(t *testing.T, src BatchSource, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, src)
	return testutil.ServeDebug(t, mux, http.MethodGet, target)
}

func TestAttachAdminRoutes(t *testing.T) {
	older, latest := uuid.New(), uuid.New()
	src := &fakeSource{
		batches: []db.Batch{{ID: latest}, {ID: older}},
		ms:      map[uuid.UUID][]db.Measurement{latest: measurements(latest), older: nil},
	}

	rec := serveChart(t, src, "/debug/scan-chart")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), latest.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = serveChart(t, src, "/debug/scan-chart?batch="+older.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), older.String())

	rec = serveChart(t, src, "/debug/scan-chart?batch=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveChart(t, &fakeSource{}, "/debug/scan-chart")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serveChart(t, &fakeSource{err: errors.New("disk gone")}, "/debug/scan-chart")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestScanBatchesRoute(t *testing.T) {
	id := uuid.New()
	src := &fakeSource{batches: []db.Batch{{ID: id, Status: db.BatchTerminated, Measurements: 3}}}

	rec := serveChart(t, src, "/debug/scan-batches")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []db.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 3, got[0].Measurements)

	rec = serveChart(t, &fakeSource{err: errors.New("disk gone")}, "/debug/scan-batches")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
