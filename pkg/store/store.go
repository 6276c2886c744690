// Package store persists optimization runs and their results, and answers
// the analytical queries the dashboards are built on.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rcpops/savingsoor/pkg/blueprint"
	"github.com/rcpops/savingsoor/pkg/config"
)

// RunStats holds the derived per-run counters.
type RunStats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Store provides persistence for runs, results and cluster metadata.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run lifecycle.
	BeginRun(ctx context.Context, ticket string, totalClusters int) (uint, error)
	RecomputeRunStats(ctx context.Context, runID uint) (RunStats, error)
	FinalizeRun(ctx context.Context, runID uint, artifactPath string) error
	GetRun(ctx context.Context, runID uint) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Result writes.
	IsProcessed(ctx context.Context, runID uint, mcUID string) (bool, error)
	SaveSuccess(ctx context.Context, runID uint, result blueprint.Result) error
	SaveFailure(ctx context.Context, runID uint, mcUID, errorMessage string) error
	UpsertMetadata(ctx context.Context, md blueprint.Metadata) error

	// Result reads.
	LoadResult(ctx context.Context, runID uint, mcUID string) (*blueprint.Result, error)
	ResultsForRun(ctx context.Context, runID uint) ([]ClusterResult, error)

	Analytics
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// sqlite serializes writes anyway, and a pooled second connection
		// to an in-memory database would see a different database entirely.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&ClusterResult{},
		&ClusterSingle{},
		&ClusterMetadata{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run lifecycle ---

// BeginRun creates a Run row in in_progress state and returns its id.
func (s *store) BeginRun(
	ctx context.Context, ticket string, totalClusters int,
) (uint, error) {
	run := Run{
		StartedAt:     time.Now().UTC(),
		Ticket:        ticket,
		TotalClusters: totalClusters,
		Status:        RunStatusInProgress,
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}

	s.log.WithField("run_id", run.ID).Info("Run created")

	return run.ID, nil
}

// RecomputeRunStats derives processed/failed counts by scanning result rows
// rather than incrementing counters on write, so retries and replaces can
// never double-count. The counts are written back to the run row.
func (s *store) RecomputeRunStats(
	ctx context.Context, runID uint,
) (RunStats, error) {
	var stats RunStats

	err := s.db.WithContext(ctx).
		Model(&ClusterResult{}).
		Select(
			"COUNT(CASE WHEN status = ? THEN 1 END) AS processed, "+
				"COUNT(CASE WHEN status = ? THEN 1 END) AS failed",
			ResultStatusSuccess, ResultStatusFailed,
		).
		Where("run_id = ?", runID).
		Scan(&stats).Error
	if err != nil {
		return RunStats{}, fmt.Errorf("counting run results: %w", err)
	}

	err = s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"processed_clusters": stats.Processed,
			"failed_clusters":    stats.Failed,
		}).Error
	if err != nil {
		return RunStats{}, fmt.Errorf("updating run statistics: %w", err)
	}

	return stats, nil
}

// FinalizeRun recomputes statistics and transitions the run to completed.
// Recomputation is a pure function of stored data, so a second call only
// re-stamps the completion timestamp.
func (s *store) FinalizeRun(
	ctx context.Context, runID uint, artifactPath string,
) error {
	stats, err := s.RecomputeRunStats(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	updates := map[string]any{
		"status":       RunStatusCompleted,
		"completed_at": &now,
	}

	if artifactPath != "" {
		updates["artifact_path"] = artifactPath
	}

	err = s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"processed": stats.Processed,
		"failed":    stats.Failed,
	}).Info("Run completed")

	return nil
}

func (s *store) GetRun(ctx context.Context, runID uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runID, err)
	}

	return &run, nil
}

// ListRuns returns runs newest-first. A non-positive limit returns all.
func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// --- Result writes ---

// IsProcessed reports whether the cluster already has a successful result in
// this run. A failed prior attempt does not count; resume must retry it.
func (s *store) IsProcessed(
	ctx context.Context, runID uint, mcUID string,
) (bool, error) {
	var result ClusterResult

	err := s.db.WithContext(ctx).
		Select("status").
		Where("run_id = ? AND mc_uid = ?", runID, mcUID).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("checking cluster result: %w", err)
	}

	return result.Status == ResultStatusSuccess, nil
}

// SaveSuccess atomically replaces any existing result for (run, mc_uid) and
// writes the paired current/optimal snapshots. Savings are computed here,
// once, and never re-derived from the singles for the canonical metric.
func (s *store) SaveSuccess(
	ctx context.Context, runID uint, result blueprint.Result,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteExistingResult(tx, runID, result.UID); err != nil {
			return err
		}

		totalCurrent := result.CurrentTotal()
		totalSavings := totalCurrent - result.OptimalTotal()

		var savingsPercent float64
		if totalCurrent > 0 {
			savingsPercent = totalSavings / totalCurrent * 100
		}

		record := ClusterResult{
			RunID:          runID,
			MCUID:          result.UID,
			ProcessedAt:    time.Now().UTC(),
			Status:         ResultStatusSuccess,
			TotalSavings:   totalSavings,
			SavingsPercent: savingsPercent,
		}

		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("creating cluster result: %w", err)
		}

		singles := make([]ClusterSingle, 0, len(result.Pairs)*2)
		for _, pair := range result.Pairs {
			singles = append(
				singles,
				newSingle(record.ID, blueprint.VariantCurrent, pair.Current),
				newSingle(record.ID, blueprint.VariantOptimal, pair.Optimal),
			)
		}

		if len(singles) > 0 {
			if err := tx.Create(&singles).Error; err != nil {
				return fmt.Errorf("creating cluster singles: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving result for %s: %w", result.UID, err)
	}

	return nil
}

// SaveFailure atomically records a failed attempt, replacing any prior
// result for the pair. Stale singles from a prior success are removed so a
// later success starts clean.
func (s *store) SaveFailure(
	ctx context.Context, runID uint, mcUID, errorMessage string,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteExistingResult(tx, runID, mcUID); err != nil {
			return err
		}

		record := ClusterResult{
			RunID:        runID,
			MCUID:        mcUID,
			ProcessedAt:  time.Now().UTC(),
			Status:       ResultStatusFailed,
			ErrorMessage: &errorMessage,
		}

		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("creating failed result: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("saving failure for %s: %w", mcUID, err)
	}

	return nil
}

// UpsertMetadata fully replaces the metadata row for the cluster. Callers
// supply the complete known field set every time; omitted fields become
// null rather than being merged.
func (s *store) UpsertMetadata(
	ctx context.Context, md blueprint.Metadata,
) error {
	row := ClusterMetadata{
		MCUID:             md.MCUID,
		ClusterName:       md.ClusterName,
		CloudProvider:     md.CloudProvider,
		Region:            md.Region,
		AccountID:         md.AccountID,
		EngineVersion:     md.EngineVersion,
		SoftwareVersion:   md.SoftwareVersion,
		OSVersion:         md.OSVersion,
		MultiAZ:           md.MultiAZ,
		AvailabilityZones: md.AvailabilityZones,
		StorageType:       md.StorageType,
		CreationDate:      md.CreationDate,
		ShardsCount:       md.ShardsCount,
		MaxShardsCount:    md.MaxShardsCount,
		TotalStorageGB:    md.TotalStorageGB,
		DataNodesCount:    md.DataNodesCount,
		QuorumNodesCount:  md.QuorumNodesCount,
		TotalNodesCount:   md.TotalNodesCount,
		RoFEnabled:        md.RoFEnabled,
		LastUpdated:       time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mc_uid"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upserting metadata for %s: %w", md.MCUID, err)
	}

	return nil
}

// --- Result reads ---

// LoadResult reassembles the paired snapshots for a successful result.
// Returns nil without error when no successful result exists. Only physical
// clusters with both variants present are included.
func (s *store) LoadResult(
	ctx context.Context, runID uint, mcUID string,
) (*blueprint.Result, error) {
	var record ClusterResult

	err := s.db.WithContext(ctx).
		Where("run_id = ? AND mc_uid = ? AND status = ?",
			runID, mcUID, ResultStatusSuccess).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading result for %s: %w", mcUID, err)
	}

	var singles []ClusterSingle
	if err := s.db.WithContext(ctx).
		Where("result_id = ?", record.ID).
		Order("id ASC").
		Find(&singles).Error; err != nil {
		return nil, fmt.Errorf("loading singles for %s: %w", mcUID, err)
	}

	return assembleResult(mcUID, singles), nil
}

// ResultsForRun returns all result rows for a run, oldest-processed first.
func (s *store) ResultsForRun(
	ctx context.Context, runID uint,
) ([]ClusterResult, error) {
	var results []ClusterResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("processed_at ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results for run %d: %w", runID, err)
	}

	return results, nil
}

// --- helpers ---

// deleteExistingResult removes a prior result row for (run, mc_uid) and all
// its singles inside the caller's transaction. Replacement must regenerate
// children, never append to them.
func deleteExistingResult(tx *gorm.DB, runID uint, mcUID string) error {
	var existing ClusterResult

	err := tx.Where("run_id = ? AND mc_uid = ?", runID, mcUID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("looking up existing result: %w", err)
	}

	if err := tx.Where("result_id = ?", existing.ID).
		Delete(&ClusterSingle{}).Error; err != nil {
		return fmt.Errorf("deleting stale singles: %w", err)
	}

	if err := tx.Delete(&ClusterResult{}, existing.ID).Error; err != nil {
		return fmt.Errorf("deleting stale result: %w", err)
	}

	return nil
}

func newSingle(
	resultID uint, variant string, c blueprint.SingleCluster,
) ClusterSingle {
	return ClusterSingle{
		ResultID:       resultID,
		ClusterUID:     c.UID,
		Variant:        variant,
		Infra:          datatypes.NewJSONType(c.Infra),
		InstancePrice:  c.Price.Instance,
		StoragePrice:   c.Price.Storage,
		TotalPrice:     c.Price.Total(),
		TotalInstances: c.TotalInstances(),
	}
}

func assembleResult(
	mcUID string, singles []ClusterSingle,
) *blueprint.Result {
	type variants struct {
		current *blueprint.SingleCluster
		optimal *blueprint.SingleCluster
	}

	byUID := make(map[string]*variants)
	order := make([]string, 0, len(singles)/2)

	for _, s := range singles {
		v, ok := byUID[s.ClusterUID]
		if !ok {
			v = &variants{}
			byUID[s.ClusterUID] = v
			order = append(order, s.ClusterUID)
		}

		cluster := &blueprint.SingleCluster{
			UID:   s.ClusterUID,
			Infra: s.Infra.Data(),
			Price: blueprint.Price{
				Instance: s.InstancePrice,
				Storage:  s.StoragePrice,
			},
		}

		switch s.Variant {
		case blueprint.VariantCurrent:
			v.current = cluster
		case blueprint.VariantOptimal:
			v.optimal = cluster
		}
	}

	result := &blueprint.Result{UID: mcUID}

	for _, uid := range order {
		v := byUID[uid]
		if v.current == nil || v.optimal == nil {
			continue
		}

		result.Pairs = append(result.Pairs, blueprint.Pair{
			Current: *v.current,
			Optimal: *v.optimal,
		})
	}

	return result
}
