package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpops/savingsoor/pkg/blueprint"
	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/store"
)

func setupTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	s := &server{
		log:   log,
		cfg:   &config.ServerConfig{},
		store: st,
	}

	srv := httptest.NewServer(s.buildRouter())
	t.Cleanup(srv.Close)

	return srv, st
}

// seedRun stores one completed run with a single successful cluster result.
func seedRun(t *testing.T, st store.Store) uint {
	t.Helper()

	ctx := context.Background()

	name := "prod-cache"
	provider := "AWS"
	require.NoError(t, st.UpsertMetadata(ctx, blueprint.Metadata{
		MCUID:         "mc-1",
		ClusterName:   &name,
		CloudProvider: &provider,
	}))

	runID, err := st.BeginRun(ctx, "OPS-7", 1)
	require.NoError(t, err)

	result := blueprint.Result{
		UID: "mc-1",
		Pairs: []blueprint.Pair{{
			Current: blueprint.SingleCluster{
				UID:   "c-1",
				Infra: map[string]int{"m5.xlarge": 2},
				Price: blueprint.Price{Instance: 400, Storage: 100},
			},
			Optimal: blueprint.SingleCluster{
				UID:   "c-1",
				Infra: map[string]int{"m5.large": 2},
				Price: blueprint.Price{Instance: 300, Storage: 100},
			},
		}},
	}
	require.NoError(t, st.SaveSuccess(ctx, runID, result))
	require.NoError(t, st.FinalizeRun(ctx, runID, ""))

	return runID
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

func TestAPI_Health(t *testing.T) {
	srv, _ := setupTestServer(t)

	var body map[string]string

	resp := getJSON(t, srv, "/api/v1/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Runs(t *testing.T) {
	srv, st := setupTestServer(t)
	runID := seedRun(t, st)

	var runs []store.Run

	resp := getJSON(t, srv, "/api/v1/runs", &runs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "OPS-7", runs[0].Ticket)
}

func TestAPI_LatestRun(t *testing.T) {
	srv, st := setupTestServer(t)

	// No completed run yet.
	resp := getJSON(t, srv, "/api/v1/runs/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	runID := seedRun(t, st)

	var run store.Run

	resp = getJSON(t, srv, "/api/v1/runs/latest", &run)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
}

func TestAPI_History(t *testing.T) {
	srv, st := setupTestServer(t)
	seedRun(t, st)

	var points []store.HistoryPoint

	resp := getJSON(t, srv, "/api/v1/clusters/mc-1/history", &points)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, points, 1)
	assert.InDelta(t, 500.0, points[0].CurrentPrice, 1e-9)
	assert.InDelta(t, 100.0, points[0].Savings, 1e-9)
}

func TestAPI_Opportunities(t *testing.T) {
	srv, st := setupTestServer(t)
	seedRun(t, st)

	var rows []store.Opportunity

	resp := getJSON(t, srv, "/api/v1/opportunities?limit=5", &rows)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rows, 1)
	assert.Equal(t, "mc-1", rows[0].MCUID)
	require.NotNil(t, rows[0].ClusterName)
	assert.Equal(t, "prod-cache", *rows[0].ClusterName)
}

func TestAPI_Charts(t *testing.T) {
	srv, st := setupTestServer(t)
	seedRun(t, st)

	paths := []string{
		"/api/v1/charts/savings-trend",
		"/api/v1/charts/savings-distribution",
		"/api/v1/charts/age-distribution",
		"/api/v1/charts/savings-breakdown",
		"/api/v1/charts/provider-comparison",
		"/api/v1/charts/shard-cost-quartiles",
		"/api/v1/charts/version-analysis",
		"/api/v1/charts/age-savings-correlation",
		"/api/v1/charts/savings-distribution?cloud_provider=AWS",
		"/api/v1/charts/savings-distribution?min_savings=50&min_percent=5",
	}

	for _, path := range paths {
		resp := getJSON(t, srv, path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/json",
			resp.Header.Get("Content-Type"), path)
	}
}

func TestAPI_ChartRunIDParam(t *testing.T) {
	srv, st := setupTestServer(t)
	runID := seedRun(t, st)

	var bd store.Breakdown

	resp := getJSON(t, srv,
		"/api/v1/charts/savings-breakdown?run_id="+
			strconv.FormatUint(uint64(runID), 10), &bd)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 100.0, bd.InstanceSavings, 1e-9)
	assert.Zero(t, bd.StorageSavings)
}
