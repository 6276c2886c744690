package report_test

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/rcp"
	"github.com/rcpops/savingsoor/pkg/report"
	"github.com/rcpops/savingsoor/pkg/store"
)

// scenarioClient serves canned documents per multi-cluster UID and counts
// blueprint fetches so tests can observe skips and retries.
type scenarioClient struct {
	mu sync.Mutex

	units        []rcp.MultiClusterRef
	statuses     map[string]string
	blueprintErr map[string]error
	fetches      map[string]int
}

func newScenario(uids ...string) *scenarioClient {
	c := &scenarioClient{
		statuses:     make(map[string]string),
		blueprintErr: make(map[string]error),
		fetches:      make(map[string]int),
	}

	for _, uid := range uids {
		c.units = append(c.units, rcp.MultiClusterRef{UID: uid, Name: uid})
		c.statuses[uid] = rcp.StatusDone
	}

	return c
}

func (c *scenarioClient) ListMultiClusters(context.Context) ([]rcp.MultiClusterRef, error) {
	return c.units, nil
}

func (c *scenarioClient) Status(_ context.Context, uid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statuses[uid], nil
}

func (c *scenarioClient) Blueprint(_ context.Context, uid string) (map[string]any, error) {
	c.mu.Lock()
	c.fetches[uid]++
	err := c.blueprintErr[uid]
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return planDoc(uid, 500, 100), nil
}

func (c *scenarioClient) PlanOptimal(_ context.Context, uid string) (map[string]any, error) {
	return planDoc(uid, 400, 80), nil
}

func (c *scenarioClient) fetchCount(uid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetches[uid]
}

// planDoc is a minimal single-cluster blueprint document with the given
// monthly costs.
func planDoc(uid string, instance, storage float64) map[string]any {
	return map[string]any{
		"blueprints": []any{
			map[string]any{
				"cluster_uid": uid + "-c1",
				"blueprint": map[string]any{
					"cloud": map[string]any{
						"provider": "aws",
						"region":   "us-east-1",
					},
					"cluster": map[string]any{"name": uid},
					"usd_per_month": map[string]any{
						"cluster": instance,
						"storage": storage,
					},
					"nodes": []any{
						map[string]any{"instance_type": "m5.xlarge"},
					},
				},
			},
		},
	}
}

func setupReporter(
	t *testing.T, client rcp.Client, mutate func(*config.Config),
) (*report.Reporter, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
		RateLimit: config.RateLimitConfig{CallsPerSecond: 1000},
		Retry: config.RetryConfig{
			MaxAttempts:   1,
			BackoffFactor: 2,
		},
		Report:   config.ReportConfig{MaxWorkers: 2},
		Artifact: config.ArtifactConfig{OutputDir: t.TempDir()},
	}

	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	throttled := rcp.NewThrottled(log, client, &cfg.RateLimit, &cfg.Retry)

	return report.New(log, cfg, st, throttled, nil), st
}

func TestReporter_FailureIsolation(t *testing.T) {
	client := newScenario("mc-a", "mc-b")
	client.blueprintErr["mc-b"] = errors.New("blueprint fetch timeout")

	reporter, st := setupReporter(t, client, nil)

	summary, err := reporter.Run(context.Background(), report.Options{Ticket: "OPS-1"})
	require.NoError(t, err, "one failed cluster must not abort the run")

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	run, err := st.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	rows, err := st.TopOpportunities(context.Background(), &summary.RunID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "mc-a", rows[0].MCUID)
	assert.InDelta(t, 120.0, rows[0].Savings, 1e-9)
}

func TestReporter_SkipsInactive(t *testing.T) {
	client := newScenario("mc-a", "mc-b")
	client.statuses["mc-b"] = "provisioning"

	reporter, _ := setupReporter(t, client, nil)

	summary, err := reporter.Run(context.Background(), report.Options{})
	require.NoError(t, err)

	// Inactive units are skipped silently: neither processed nor failed.
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	assert.Zero(t, client.fetchCount("mc-b"))
}

func TestReporter_Resume(t *testing.T) {
	client := newScenario("mc-a", "mc-b")
	client.blueprintErr["mc-a"] = errors.New("transient api error")

	reporter, _ := setupReporter(t, client, nil)

	first, err := reporter.Run(context.Background(), report.Options{Ticket: "OPS-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 1, first.Failed)

	// The failure clears; resuming the same run retries only the failed
	// unit and leaves the succeeded one alone.
	client.blueprintErr["mc-a"] = nil
	fetchesBefore := client.fetchCount("mc-b")

	second, err := reporter.Run(context.Background(), report.Options{
		RunID: &first.RunID,
	})
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 2, second.Processed)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, fetchesBefore, client.fetchCount("mc-b"),
		"already-processed unit must not be fetched again")
}

func TestReporter_ResumeUnknownRun(t *testing.T) {
	client := newScenario("mc-a")
	reporter, _ := setupReporter(t, client, nil)

	missing := uint(9999)

	_, err := reporter.Run(context.Background(), report.Options{RunID: &missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resuming run 9999")
}

func TestReporter_ExcludeAndLimit(t *testing.T) {
	client := newScenario("mc-a", "mc-b", "mc-c", "mc-d")

	reporter, _ := setupReporter(t, client, func(cfg *config.Config) {
		cfg.Report.ExcludeUIDs = []string{"mc-b"}
	})

	summary, err := reporter.Run(context.Background(), report.Options{Limit: 2})
	require.NoError(t, err)

	// Exclusion applies before the limit: mc-a and mc-c survive.
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, client.fetchCount("mc-b"))
	assert.Zero(t, client.fetchCount("mc-d"))
	assert.Equal(t, 1, client.fetchCount("mc-c"))
}

func TestReporter_ParallelMode(t *testing.T) {
	client := newScenario("mc-a", "mc-b", "mc-c", "mc-d", "mc-e")

	reporter, _ := setupReporter(t, client, func(cfg *config.Config) {
		cfg.Report.Parallel = true
		cfg.Report.MaxWorkers = 3
	})

	summary, err := reporter.Run(context.Background(), report.Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
}

func TestReporter_WritesArtifact(t *testing.T) {
	client := newScenario("mc-a")
	reporter, _ := setupReporter(t, client, nil)

	summary, err := reporter.Run(context.Background(), report.Options{Ticket: "OPS-3"})
	require.NoError(t, err)
	require.NotEmpty(t, summary.ArtifactPath)

	f, err := os.Open(summary.ArtifactPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2, "header plus one cluster row")

	assert.Equal(t, "mc_uid", records[0][0])
	assert.Equal(t, "mc-a", records[1][0])
	assert.Equal(t, "mc-a", records[1][1], "cluster name from metadata")
	assert.Equal(t, "AWS", records[1][2])
	assert.Equal(t, "600.00", records[1][5])
	assert.Equal(t, "480.00", records[1][6])
	assert.Equal(t, "120.00", records[1][7])
	assert.Equal(t, "20.00", records[1][8])
}

func TestReporter_MetadataRefreshedOnCollect(t *testing.T) {
	client := newScenario("mc-a")
	reporter, st := setupReporter(t, client, nil)

	_, err := reporter.Run(context.Background(), report.Options{})
	require.NoError(t, err)

	rows, err := st.TopOpportunities(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NotNil(t, rows[0].CloudProvider)
	assert.Equal(t, "AWS", *rows[0].CloudProvider)
	require.NotNil(t, rows[0].Region)
	assert.Equal(t, "us-east-1", *rows[0].Region)
}
