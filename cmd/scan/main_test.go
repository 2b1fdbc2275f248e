package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/adaptive.scan/internal/config"
	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/recommend"
	"github.com/banshee-data/adaptive.scan/internal/scan"
	"github.com/banshee-data/adaptive.scan/internal/security"
	"github.com/banshee-data/adaptive.scan/internal/testutil"
	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

const exampleRegions = "../../config/regions.example.json"

func ptr[T any](v T) *T { return &v }

func testConfig(t *testing.T) *config.ScanConfig {
	t.Helper()
	return &config.ScanConfig{
		DBPath:             ptr(filepath.Join(t.TempDir(), "scan.db")),
		RegionsFile:        ptr(exampleRegions),
		Exposure:           ptr("0s"),
		RecommenderTimeout: ptr("10s"),
	}
}

func TestParseFirst(t *testing.T) {
	got, err := parseFirst("41, 400,450,0")
	require.NoError(t, err)
	assert.Equal(t, geometry.Request{Ti: 41, Temperature: 400, AnnealingTime: 450}, got)

	for _, bad := range []string{"", "41,400,450", "41,400,450,zero", "1,2,3,4,5"} {
		_, err := parseFirst(bad)
		assert.Error(t, err, bad)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := &config.ScanConfig{DBPath: ptr("from-file.db")}
	*dbPath = "from-flag.db"
	t.Cleanup(func() { *dbPath = "" })

	applyFlags(cfg)
	assert.Equal(t, "from-flag.db", cfg.GetDBPath())
	assert.Equal(t, "127.0.0.1:8080", cfg.GetHTTPListen(), "unset flags leave the config alone")
}

func TestLoadRegions_SeedsEmptyDatabase(t *testing.T) {
	cfg := testConfig(t)
	store, err := db.NewDB(cfg.GetDBPath())
	require.NoError(t, err)
	defer store.Close()

	regions, err := loadRegions(store, exampleRegions, cfg.GetCellSize())
	require.NoError(t, err)
	require.Len(t, regions, 6)

	stored, err := store.Regions()
	require.NoError(t, err)
	assert.Equal(t, regions, stored)

	// Once stored, the file is no longer consulted.
	again, err := loadRegions(store, "missing.json", cfg.GetCellSize())
	require.NoError(t, err)
	assert.Equal(t, regions, again)
}

func TestRegionsCommand(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "exported.json")

	require.NoError(t, runRegionsCommand(cfg, []string{"import", exampleRegions}))
	require.NoError(t, runRegionsCommand(cfg, []string{"export", out}))

	want, err := geometry.LoadRegions(exampleRegions)
	require.NoError(t, err)
	got, err := geometry.LoadRegions(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.Error(t, runRegionsCommand(cfg, []string{"import"}))
	assert.Error(t, runRegionsCommand(cfg, []string{"delete", out}))
	assert.ErrorIs(t, runRegionsCommand(cfg, []string{"export", "/etc/scan/regions.json"}), security.ErrOutsideDir)
}

func TestRunLayout(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, runLayout(cfg, filepath.Join(t.TempDir(), "layout.png")))
	assert.ErrorIs(t, runLayout(cfg, "/etc/scan/layout.png"), security.ErrOutsideDir)
}

func TestScanner_DevRun(t *testing.T) {
	cfg := testConfig(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	clock.AutoAdvance()
	s, err := newScanner(cfg, daemonOptions{dev: true, readbackOffset: 0.2, seed: 3, clock: clock})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.serial.Monitor(ctx)

	first, err := s.firstRequest("")
	require.NoError(t, err)
	assert.Equal(t, geometry.Request{Ti: 36, Temperature: 340, AnnealingTime: 450}, first)

	type result struct {
		batch *scan.Batch
		err   error
	}
	done := make(chan result, 1)
	go func() {
		b, err := s.scan(ctx, first)
		done <- result{b, err}
	}()

	awaiting := func(iteration int) func() bool {
		return func() bool {
			st := s.controller.Status()
			return st.State == scan.StateAwaitRecommendation && st.Iteration == iteration
		}
	}
	require.Eventually(t, awaiting(0), 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.queue.Put(recommend.New(map[string]float64{"ti": 44})))
	require.Eventually(t, awaiting(1), 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.queue.Put(recommend.Terminate()))

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish")
	}
	require.NoError(t, r.err)
	require.Len(t, r.batch.RunIDs, 2)

	ms, err := s.store.Measurements(r.batch.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, r.batch.RunIDs[1], ms[1].RunID)
	// The readback offset shifts the recovered Ti off the snapped target.
	assert.NotEqual(t, 44.0, ms[1].Point.Ti)
	assert.InDelta(t, 44, ms[1].Point.Ti, 1)

	batches, err := s.store.Batches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, db.BatchTerminated, batches[0].Status)
	assert.Equal(t, 2, batches[0].Measurements)
	assert.NotNil(t, batches[0].FinishedAt)

	// Debug routes are all mounted.
	h := s.handler()
	for _, path := range []string{"/debug/scan-status", "/debug/scan-chart"} {
		rec := testutil.ServeDebug(t, h, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestScanner_DevRunThroughFeed(t *testing.T) {
	cfg := testConfig(t)
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	clock.AutoAdvance()
	s, err := newScanner(cfg, daemonOptions{dev: true, seed: 5, clock: clock})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go s.serial.Monitor(ctx)

	var wg sync.WaitGroup
	lis := bufconn.Listen(1 << 20)
	srv := s.serveFeed(lis, &wg)
	defer func() {
		s.feed.Close()
		srv.Stop()
		wg.Wait()
	}()

	first, err := s.firstRequest("")
	require.NoError(t, err)

	type result struct {
		batch *scan.Batch
		err   error
	}
	done := make(chan result, 1)
	go func() {
		b, err := s.scan(ctx, first)
		done <- result{b, err}
	}()

	// Measurement #0 is published before any recommender is connected.
	require.Eventually(t, func() bool {
		st := s.controller.Status()
		return st.State == scan.StateAwaitRecommendation && st.Iteration == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, s.feed.Subscribers())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	followErr := make(chan error, 1)
	go func() {
		followErr <- recommend.Stepper{Key: "ti", Delta: 2, MaxCount: 3}.Follow(ctx, recommend.NewFeedClient(conn))
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		t.Fatal("scan did not finish")
	}
	require.NoError(t, r.err)
	require.Len(t, r.batch.RunIDs, 3)
	require.NoError(t, <-followErr)

	ms, err := s.store.Measurements(r.batch.ID)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	for i, want := range []float64{36, 38, 40} {
		assert.InDelta(t, want, ms[i].Point.Ti, 1e-6, "measurement %d", i)
	}

	batches, err := s.store.Batches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, db.BatchTerminated, batches[0].Status)
}
