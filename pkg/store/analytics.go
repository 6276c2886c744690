package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/rcpops/savingsoor/pkg/blueprint"
)

// Analytics is the read-only query surface the dashboards consume. All
// monetary values are rounded to two decimal places here, at the
// presentation boundary, never earlier.
type Analytics interface {
	History(ctx context.Context, mcUID string, limit int) ([]HistoryPoint, error)
	SavingsTrend(ctx context.Context, limit int) ([]TrendPoint, error)
	TopOpportunities(ctx context.Context, runID *uint, limit int) ([]Opportunity, error)
	SavingsDistribution(ctx context.Context, runID *uint, f Filters) ([]RangeBucket, error)
	AgeDistribution(ctx context.Context, runID *uint, f Filters) ([]AgeBucket, error)
	SavingsBreakdown(ctx context.Context, runID *uint) (Breakdown, error)
	ProviderComparison(ctx context.Context, runID *uint) ([]ProviderGroup, error)
	VersionAnalysis(ctx context.Context, runID *uint) ([]VersionGroup, error)
	AgeSavingsCorrelation(ctx context.Context, runID *uint, f Filters) ([]AgeSavingsPoint, error)
	ShardCostQuartiles(ctx context.Context, runID *uint, f Filters) ([]ShardCostBox, error)
	LatestCompletedRunID(ctx context.Context) (*uint, error)
}

// Filters narrows chart queries. For the metadata dimensions, empty or
// "All" means no filtering; the minimum thresholds apply when positive.
type Filters struct {
	CloudProvider   string
	SoftwareVersion string
	MinSavings      float64
	MinPercent      float64
}

// providerActive reports whether the cloud-provider dimension filters.
func (f Filters) providerActive() bool {
	return f.CloudProvider != "" && f.CloudProvider != "All"
}

// HistoryPoint is one run's outcome for a single multi-cluster unit.
type HistoryPoint struct {
	RunID          uint      `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Ticket         string    `json:"ticket"`
	CurrentPrice   float64   `json:"current_price"`
	OptimalPrice   float64   `json:"optimal_price"`
	Savings        float64   `json:"savings"`
	SavingsPercent float64   `json:"savings_percent"`
}

// TrendPoint is one completed run's aggregate savings.
type TrendPoint struct {
	RunID          uint      `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Ticket         string    `json:"ticket"`
	TotalCurrent   float64   `json:"total_current"`
	TotalOptimal   float64   `json:"total_optimal"`
	TotalSavings   float64   `json:"total_savings"`
	SavingsPercent float64   `json:"savings_percent"`
}

// Opportunity is one cluster's savings within a run, enriched with
// metadata. Metadata fields are nil when no metadata row exists.
type Opportunity struct {
	MCUID           string  `json:"mc_uid"`
	CurrentPrice    float64 `json:"current_price"`
	OptimalPrice    float64 `json:"optimal_price"`
	Savings         float64 `json:"savings"`
	SavingsPercent  float64 `json:"savings_percent"`
	CloudProvider   *string `json:"cloud_provider"`
	SoftwareVersion *string `json:"software_version"`
	ClusterName     *string `json:"cluster_name"`
	Region          *string `json:"region"`
	CreationDate    *string `json:"creation_date"`
}

// RangeBucket is one savings-range histogram bar.
type RangeBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// AgeBucket is one cluster-age histogram bar with its summed savings.
type AgeBucket struct {
	Label        string  `json:"label"`
	Count        int     `json:"count"`
	TotalSavings float64 `json:"total_savings"`
}

// Breakdown splits a run's savings into instance and storage components.
type Breakdown struct {
	InstanceSavings float64 `json:"instance_savings"`
	StorageSavings  float64 `json:"storage_savings"`
}

// ProviderGroup aggregates a run's results per cloud provider.
type ProviderGroup struct {
	Provider       string  `json:"provider"`
	Clusters       int     `json:"clusters"`
	TotalCost      float64 `json:"total_cost"`
	TotalSavings   float64 `json:"total_savings"`
	SavingsPercent float64 `json:"savings_percent"`
}

// VersionGroup aggregates a run's clusters per software version.
type VersionGroup struct {
	Version           string  `json:"version"`
	Clusters          int     `json:"clusters"`
	AvgCost           float64 `json:"avg_cost"`
	AvgSavingsPercent float64 `json:"avg_savings_percent"`
}

// AgeSavingsPoint is one cluster in the age-vs-savings scatter plot.
type AgeSavingsPoint struct {
	AgeDays         int     `json:"age_days"`
	Savings         float64 `json:"savings"`
	Label           string  `json:"label"`
	SavingsPercent  float64 `json:"savings_percent"`
	CloudProvider   *string `json:"cloud_provider"`
	SoftwareVersion *string `json:"software_version"`
}

// ShardCostBox is the box-plot summary of cost-per-shard for one
// shard-count bucket.
type ShardCostBox struct {
	Group  string  `json:"group"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// History returns the per-run outcomes for one cluster, most recent run
// first, successful attempts only.
func (s *store) History(
	ctx context.Context, mcUID string, limit int,
) ([]HistoryPoint, error) {
	var rows []HistoryPoint

	q := s.db.WithContext(ctx).Raw(`
		SELECT r.id AS run_id, r.started_at AS timestamp, r.ticket,
		       cr.total_savings AS savings, cr.savings_percent,
		       SUM(CASE WHEN cs.variant = 'current' THEN cs.total_price ELSE 0 END) AS current_price,
		       SUM(CASE WHEN cs.variant = 'optimal' THEN cs.total_price ELSE 0 END) AS optimal_price
		FROM cluster_results cr
		JOIN runs r ON r.id = cr.run_id
		LEFT JOIN cluster_singles cs ON cs.result_id = cr.id
		WHERE cr.mc_uid = ? AND cr.status = 'success'
		GROUP BY cr.id, r.id, r.started_at, r.ticket,
		         cr.total_savings, cr.savings_percent
		ORDER BY r.started_at DESC
		LIMIT ?`, mcUID, limit)

	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", mcUID, err)
	}

	for i := range rows {
		rows[i].CurrentPrice = round2(rows[i].CurrentPrice)
		rows[i].OptimalPrice = round2(rows[i].OptimalPrice)
		rows[i].Savings = round2(rows[i].Savings)
		rows[i].SavingsPercent = round2(rows[i].SavingsPercent)
	}

	return rows, nil
}

// SavingsTrend returns per-completed-run aggregates, newest first. Only
// results with positive savings contribute: negative-savings clusters are
// optimizer noise and must not offset genuine opportunities.
func (s *store) SavingsTrend(
	ctx context.Context, limit int,
) ([]TrendPoint, error) {
	var rows []TrendPoint

	// total_savings comes from a correlated subquery on the result rows;
	// summing it through the singles join would multiply it by the number
	// of singles per result.
	q := s.db.WithContext(ctx).Raw(`
		SELECT r.id AS run_id, r.started_at AS timestamp, r.ticket,
		       (SELECT SUM(cr2.total_savings) FROM cluster_results cr2
		        WHERE cr2.run_id = r.id AND cr2.status = 'success'
		          AND cr2.total_savings > 0) AS total_savings,
		       SUM(CASE WHEN cs.variant = 'current' THEN cs.total_price ELSE 0 END) AS total_current,
		       SUM(CASE WHEN cs.variant = 'optimal' THEN cs.total_price ELSE 0 END) AS total_optimal
		FROM runs r
		JOIN cluster_results cr ON cr.run_id = r.id
		     AND cr.status = 'success' AND cr.total_savings > 0
		JOIN cluster_singles cs ON cs.result_id = cr.id
		WHERE r.status = 'completed'
		GROUP BY r.id, r.started_at, r.ticket
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)

	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying savings trend: %w", err)
	}

	for i := range rows {
		tc, to := rows[i].TotalCurrent, rows[i].TotalOptimal

		if tc > 0 {
			rows[i].SavingsPercent = round2((tc - to) / tc * 100)
		}

		rows[i].TotalCurrent = round2(tc)
		rows[i].TotalOptimal = round2(to)
		rows[i].TotalSavings = round2(rows[i].TotalSavings)
	}

	return rows, nil
}

// TopOpportunities returns a run's clusters ordered by savings descending.
// A nil runID resolves to the most recently completed run; a non-positive
// limit returns all clusters.
func (s *store) TopOpportunities(
	ctx context.Context, runID *uint, limit int,
) ([]Opportunity, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	query := `
		SELECT cr.mc_uid, cr.total_savings AS savings,
		       cr.savings_percent,
		       SUM(CASE WHEN cs.variant = 'current' THEN cs.total_price ELSE 0 END) AS current_price,
		       SUM(CASE WHEN cs.variant = 'optimal' THEN cs.total_price ELSE 0 END) AS optimal_price,
		       cm.cloud_provider,
		       COALESCE(cm.software_version, cm.engine_version) AS software_version,
		       cm.cluster_name, cm.region, cm.creation_date
		FROM cluster_results cr
		JOIN cluster_singles cs ON cs.result_id = cr.id
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		GROUP BY cr.id, cr.mc_uid, cr.total_savings, cr.savings_percent,
		         cm.cloud_provider, cm.software_version, cm.engine_version,
		         cm.cluster_name, cm.region, cm.creation_date
		ORDER BY cr.total_savings DESC`

	args := []any{*id}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []Opportunity
	if err := s.db.WithContext(ctx).
		Raw(query, args...).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying top opportunities: %w", err)
	}

	for i := range rows {
		rows[i].CurrentPrice = round2(rows[i].CurrentPrice)
		rows[i].OptimalPrice = round2(rows[i].OptimalPrice)
		rows[i].Savings = round2(rows[i].Savings)
		rows[i].SavingsPercent = round2(rows[i].SavingsPercent)
	}

	return rows, nil
}

// savingsRanges are the fixed histogram buckets for SavingsDistribution.
var savingsRanges = []struct {
	label string
	min   float64
	max   float64 // inclusive lower, exclusive upper; <0 means unbounded
}{
	{"$0-$500", 0, 500},
	{"$500-$1K", 500, 1000},
	{"$1K-$2K", 1000, 2000},
	{"$2K-$5K", 2000, 5000},
	{"$5K-$10K", 5000, 10000},
	{"$10K+", 10000, -1},
}

// SavingsDistribution returns a histogram of cluster counts over fixed
// savings ranges for a run. The provider filter matches metadata when
// present and falls back to detecting the provider from instance-type names
// for clusters without a metadata row.
func (s *store) SavingsDistribution(
	ctx context.Context, runID *uint, f Filters,
) ([]RangeBucket, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	where, args := sqlFilters(f)

	var rows []struct {
		ResultID      uint
		TotalSavings  float64
		CloudProvider *string
	}

	if err := s.db.WithContext(ctx).Raw(`
		SELECT cr.id AS result_id, cr.total_savings, cm.cloud_provider
		FROM cluster_results cr
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'`+where,
		append([]any{*id}, args...)...,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying savings distribution: %w", err)
	}

	if f.providerActive() {
		detected, err := s.detectProviders(ctx, rows)
		if err != nil {
			return nil, err
		}

		kept := rows[:0]

		for _, row := range rows {
			provider := detected[row.ResultID]
			if row.CloudProvider != nil {
				provider = *row.CloudProvider
			}

			if provider == f.CloudProvider {
				kept = append(kept, row)
			}
		}

		rows = kept
	}

	buckets := make([]RangeBucket, len(savingsRanges))

	for i, r := range savingsRanges {
		buckets[i].Label = r.label

		for _, row := range rows {
			if row.TotalSavings >= r.min &&
				(r.max < 0 || row.TotalSavings < r.max) {
				buckets[i].Count++
			}
		}
	}

	return buckets, nil
}

// detectProviders derives a provider per result from the instance types of
// its current singles, for results whose metadata carries none.
func (s *store) detectProviders(
	ctx context.Context,
	rows []struct {
		ResultID      uint
		TotalSavings  float64
		CloudProvider *string
	},
) (map[uint]string, error) {
	var ids []uint

	for _, row := range rows {
		if row.CloudProvider == nil {
			ids = append(ids, row.ResultID)
		}
	}

	detected := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return detected, nil
	}

	var singles []ClusterSingle
	if err := s.db.WithContext(ctx).
		Where("result_id IN ? AND variant = ?", ids, blueprint.VariantCurrent).
		Find(&singles).Error; err != nil {
		return nil, fmt.Errorf("loading singles for provider detection: %w", err)
	}

	types := make(map[uint][]string)
	for _, single := range singles {
		for it := range single.Infra.Data() {
			types[single.ResultID] = append(types[single.ResultID], it)
		}
	}

	for id, instanceTypes := range types {
		detected[id] = blueprint.DetectProvider(instanceTypes)
	}

	return detected, nil
}

// ageBuckets are the fixed cluster-age histogram buckets, by age in days.
var ageBuckets = []struct {
	label   string
	maxDays int // exclusive upper bound; <0 means unbounded
}{
	{"0-6 months", 180},
	{"6-12 months", 365},
	{"1-2 years", 730},
	{"2-3 years", 1095},
	{"3+ years", -1},
}

// AgeDistribution buckets a run's clusters by age, with summed savings per
// bucket. Clusters without a known creation date are skipped.
func (s *store) AgeDistribution(
	ctx context.Context, runID *uint, f Filters,
) ([]AgeBucket, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	where, args := filterClause(f)

	var rows []struct {
		CreationDate *string
		TotalSavings float64
	}

	if err := s.db.WithContext(ctx).Raw(`
		SELECT cm.creation_date, cr.total_savings
		FROM cluster_results cr
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		  AND cm.creation_date IS NOT NULL`+where,
		append([]any{*id}, args...)...,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying age distribution: %w", err)
	}

	buckets := make([]AgeBucket, len(ageBuckets))
	for i, b := range ageBuckets {
		buckets[i].Label = b.label
	}

	now := time.Now()

	for _, row := range rows {
		if row.CreationDate == nil {
			continue
		}

		created, err := time.Parse("2006-01-02", *row.CreationDate)
		if err != nil {
			continue
		}

		days := int(now.Sub(created).Hours() / 24)

		for i, b := range ageBuckets {
			if b.maxDays < 0 || days < b.maxDays {
				buckets[i].Count++
				buckets[i].TotalSavings += row.TotalSavings

				break
			}
		}
	}

	for i := range buckets {
		buckets[i].TotalSavings = round2(buckets[i].TotalSavings)
	}

	return buckets, nil
}

// SavingsBreakdown splits a run's total savings into instance and storage
// components using read-time subtotals over the singles. Only clusters with
// positive total savings contribute, and each component is floored at zero:
// a regression in one dimension must not cancel opportunity in the other.
func (s *store) SavingsBreakdown(
	ctx context.Context, runID *uint,
) (Breakdown, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return Breakdown{}, err
	}

	var row Breakdown

	if err := s.db.WithContext(ctx).Raw(`
		SELECT
		  SUM(CASE WHEN cs.variant = 'current' THEN cs.instance_price ELSE 0 END) -
		  SUM(CASE WHEN cs.variant = 'optimal' THEN cs.instance_price ELSE 0 END) AS instance_savings,
		  SUM(CASE WHEN cs.variant = 'current' THEN cs.storage_price ELSE 0 END) -
		  SUM(CASE WHEN cs.variant = 'optimal' THEN cs.storage_price ELSE 0 END) AS storage_savings
		FROM cluster_results cr
		JOIN cluster_singles cs ON cs.result_id = cr.id
		WHERE cr.run_id = ? AND cr.status = 'success'
		  AND cr.total_savings > 0`, *id,
	).Scan(&row).Error; err != nil {
		return Breakdown{}, fmt.Errorf("querying savings breakdown: %w", err)
	}

	row.InstanceSavings = round2(math.Max(0, row.InstanceSavings))
	row.StorageSavings = round2(math.Max(0, row.StorageSavings))

	return row, nil
}

// VersionAnalysis aggregates a run's clusters per software version: how many
// run each version, the average current cluster cost and the average savings
// percentage. Clusters without any version metadata are omitted.
func (s *store) VersionAnalysis(
	ctx context.Context, runID *uint,
) ([]VersionGroup, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	var rows []VersionGroup

	if err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(cm.software_version, cm.engine_version) AS version,
		       COUNT(DISTINCT cr.id) AS clusters,
		       AVG(cs.total_price) AS avg_cost,
		       AVG(cr.savings_percent) AS avg_savings_percent
		FROM cluster_results cr
		LEFT JOIN cluster_singles cs ON cs.result_id = cr.id AND cs.variant = 'current'
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		  AND COALESCE(cm.software_version, cm.engine_version) IS NOT NULL
		GROUP BY COALESCE(cm.software_version, cm.engine_version)
		ORDER BY version DESC`, *id,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying version analysis: %w", err)
	}

	for i := range rows {
		rows[i].AvgCost = round2(rows[i].AvgCost)
		rows[i].AvgSavingsPercent = round2(rows[i].AvgSavingsPercent)
	}

	return rows, nil
}

// AgeSavingsCorrelation returns per-cluster scatter points of age in days
// against total savings. Clusters without a known creation date are skipped.
func (s *store) AgeSavingsCorrelation(
	ctx context.Context, runID *uint, f Filters,
) ([]AgeSavingsPoint, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	where, args := filterClause(f)

	var rows []struct {
		ClusterName     *string
		CreationDate    *string
		TotalSavings    float64
		SavingsPercent  float64
		CloudProvider   *string
		SoftwareVersion *string
	}

	if err := s.db.WithContext(ctx).Raw(`
		SELECT cm.cluster_name, cm.creation_date,
		       cr.total_savings, cr.savings_percent,
		       cm.cloud_provider,
		       COALESCE(cm.software_version, cm.engine_version) AS software_version
		FROM cluster_results cr
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		  AND cm.creation_date IS NOT NULL`+where,
		append([]any{*id}, args...)...,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying age savings correlation: %w", err)
	}

	points := make([]AgeSavingsPoint, 0, len(rows))
	now := time.Now()

	for _, row := range rows {
		if row.CreationDate == nil {
			continue
		}

		created, err := time.Parse("2006-01-02", *row.CreationDate)
		if err != nil {
			continue
		}

		label := "Unknown"
		if row.ClusterName != nil && *row.ClusterName != "" {
			label = *row.ClusterName
		}

		points = append(points, AgeSavingsPoint{
			AgeDays:         int(now.Sub(created).Hours() / 24),
			Savings:         round2(row.TotalSavings),
			Label:           label,
			SavingsPercent:  round1(row.SavingsPercent),
			CloudProvider:   row.CloudProvider,
			SoftwareVersion: row.SoftwareVersion,
		})
	}

	return points, nil
}

// ProviderComparison aggregates a run's clusters per cloud provider.
// Clusters without metadata land in the "Unknown" group.
func (s *store) ProviderComparison(
	ctx context.Context, runID *uint,
) ([]ProviderGroup, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	var rows []ProviderGroup

	if err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(cm.cloud_provider, 'Unknown') AS provider,
		       COUNT(DISTINCT cr.id) AS clusters,
		       SUM(CASE WHEN cs.variant = 'current' THEN cs.total_price ELSE 0 END) AS total_cost,
		       SUM(CASE WHEN cs.variant = 'current' THEN cs.total_price ELSE 0 END) -
		       SUM(CASE WHEN cs.variant = 'optimal' THEN cs.total_price ELSE 0 END) AS total_savings
		FROM cluster_results cr
		JOIN cluster_singles cs ON cs.result_id = cr.id
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		GROUP BY COALESCE(cm.cloud_provider, 'Unknown')
		ORDER BY total_cost DESC`, *id,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying provider comparison: %w", err)
	}

	for i := range rows {
		if rows[i].TotalCost > 0 {
			rows[i].SavingsPercent = round2(
				rows[i].TotalSavings / rows[i].TotalCost * 100,
			)
		}

		rows[i].TotalCost = round2(rows[i].TotalCost)
		rows[i].TotalSavings = round2(rows[i].TotalSavings)
	}

	return rows, nil
}

// shardBuckets groups clusters by shard count for the cost box plot.
var shardBuckets = []struct {
	label     string
	maxShards int // inclusive upper bound; <0 means unbounded
}{
	{"1-5 shards", 5},
	{"6-10 shards", 10},
	{"11-20 shards", 20},
	{"21+ shards", -1},
}

// ShardCostQuartiles computes box-plot statistics (min/Q1/median/Q3/max by
// sorted-index truncation, no interpolation) over cost-per-shard, grouped
// by shard-count bucket. Buckets with no samples are omitted.
func (s *store) ShardCostQuartiles(
	ctx context.Context, runID *uint, f Filters,
) ([]ShardCostBox, error) {
	id, err := s.resolveRunID(ctx, runID)
	if err != nil || id == nil {
		return nil, err
	}

	where, args := filterClause(f)

	var rows []struct {
		ShardsCount int
		TotalPrice  float64
	}

	if err := s.db.WithContext(ctx).Raw(`
		SELECT cm.shards_count, cs.total_price
		FROM cluster_results cr
		JOIN cluster_singles cs ON cs.result_id = cr.id AND cs.variant = 'current'
		LEFT JOIN cluster_metadata cm ON cm.mc_uid = cr.mc_uid
		WHERE cr.run_id = ? AND cr.status = 'success'
		  AND cm.shards_count IS NOT NULL AND cm.shards_count > 0`+where,
		append([]any{*id}, args...)...,
	).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying shard costs: %w", err)
	}

	groups := make([][]float64, len(shardBuckets))

	for _, row := range rows {
		costPerShard := row.TotalPrice / float64(row.ShardsCount)

		for i, b := range shardBuckets {
			if b.maxShards < 0 || row.ShardsCount <= b.maxShards {
				groups[i] = append(groups[i], costPerShard)

				break
			}
		}
	}

	boxes := make([]ShardCostBox, 0, len(shardBuckets))

	for i, costs := range groups {
		if len(costs) == 0 {
			continue
		}

		sort.Float64s(costs)
		n := len(costs)

		boxes = append(boxes, ShardCostBox{
			Group:  shardBuckets[i].label,
			Min:    round2(costs[0]),
			Q1:     round2(costs[n/4]),
			Median: round2(costs[n/2]),
			Q3:     round2(costs[3*n/4]),
			Max:    round2(costs[n-1]),
			Count:  n,
		})
	}

	return boxes, nil
}

// LatestCompletedRunID returns the id of the most recently completed run,
// or nil when no run has completed yet.
func (s *store) LatestCompletedRunID(ctx context.Context) (*uint, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("status = ?", RunStatusCompleted).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("finding latest completed run: %w", err)
	}

	return &run.ID, nil
}

// resolveRunID returns the given run id, or the latest completed run when
// nil. A nil result with nil error means there is nothing to query yet.
func (s *store) resolveRunID(
	ctx context.Context, runID *uint,
) (*uint, error) {
	if runID != nil {
		return runID, nil
	}

	return s.LatestCompletedRunID(ctx)
}

// filterClause builds the optional filter SQL for chart queries.
func filterClause(f Filters) (string, []any) {
	clause, args := sqlFilters(f)

	if f.providerActive() {
		clause += " AND cm.cloud_provider = ?"
		args = append(args, f.CloudProvider)
	}

	return clause, args
}

// sqlFilters builds the version and threshold filters only; callers that
// resolve the provider in Go (with the instance-type fallback) use this and
// match the provider themselves.
func sqlFilters(f Filters) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	if f.SoftwareVersion != "" && f.SoftwareVersion != "All" {
		clauses = append(clauses,
			"COALESCE(cm.software_version, cm.engine_version) = ?")
		args = append(args, f.SoftwareVersion)
	}

	if f.MinSavings > 0 {
		clauses = append(clauses, "cr.total_savings >= ?")
		args = append(args, f.MinSavings)
	}

	if f.MinPercent > 0 {
		clauses = append(clauses, "cr.savings_percent >= ?")
		args = append(args, f.MinPercent)
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " AND " + strings.Join(clauses, " AND "), args
}

// round2 rounds to two decimal places at the presentation boundary so
// repeated aggregation never accumulates rounding error.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
