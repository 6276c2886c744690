// Package report orchestrates a collection run: enumerate multi-cluster
// units, fetch current and optimal plans, pair them and persist results.
package report

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rcpops/savingsoor/pkg/blueprint"
	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/rcp"
	"github.com/rcpops/savingsoor/pkg/store"
	"github.com/rcpops/savingsoor/pkg/upload"
)

// Options controls a single collection run.
type Options struct {
	// RunID resumes an existing run instead of starting a new one.
	// Resumption requires the original run id: the already-processed check
	// compares against success rows from that same run.
	RunID *uint

	// Limit caps the number of units processed; 0 means no limit.
	Limit int

	// Ticket is the external label recorded on the run.
	Ticket string
}

// Summary is the outcome of a collection run.
type Summary struct {
	RunID        uint
	Total        int
	Processed    int
	Failed       int
	ArtifactPath string
}

// Reporter drives a collection run end to end.
type Reporter struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	client   *rcp.Throttled
	uploader upload.Uploader
}

// New creates a Reporter. The uploader may be nil when artifact upload is
// not configured.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	client *rcp.Throttled,
	uploader upload.Uploader,
) *Reporter {
	return &Reporter{
		log:      log.WithField("component", "report"),
		cfg:      cfg,
		store:    st,
		client:   client,
		uploader: uploader,
	}
}

// Run executes one full collection pass. Per-cluster failures are recorded
// and never abort the run; only run-level bookkeeping errors are fatal.
func (r *Reporter) Run(ctx context.Context, opts Options) (*Summary, error) {
	units, err := r.client.ListMultiClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing multi-clusters: %w", err)
	}

	units = r.filterUnits(units, opts.Limit)

	r.log.WithField("total", len(units)).Info("Processing multi-clusters")

	runID, err := r.resolveRun(ctx, opts, len(units))
	if err != nil {
		return nil, err
	}

	if r.cfg.Report.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Report.MaxWorkers)

		for _, unit := range units {
			g.Go(func() error {
				r.processUnit(gctx, runID, unit.UID)
				return nil
			})
		}

		// Workers never return errors; failures are per-cluster rows.
		_ = g.Wait()
	} else {
		for i, unit := range units {
			r.log.WithFields(logrus.Fields{
				"index":  i + 1,
				"total":  len(units),
				"mc_uid": unit.UID,
			}).Info("Processing multi-cluster")

			r.processUnit(ctx, runID, unit.UID)
		}
	}

	artifactPath, err := r.writeArtifact(ctx, runID)
	if err != nil {
		// The artifact is a convenience; the run data is already stored.
		r.log.WithError(err).Warn("Failed to write artifact")

		artifactPath = ""
	}

	if err := r.store.FinalizeRun(ctx, runID, artifactPath); err != nil {
		return nil, fmt.Errorf("finalizing run %d: %w", runID, err)
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &Summary{
		RunID:        runID,
		Total:        run.TotalClusters,
		Processed:    run.ProcessedClusters,
		Failed:       run.FailedClusters,
		ArtifactPath: artifactPath,
	}, nil
}

// resolveRun reuses the run id when resuming, otherwise begins a new run
// with the unit count known upfront.
func (r *Reporter) resolveRun(
	ctx context.Context, opts Options, total int,
) (uint, error) {
	if opts.RunID != nil {
		if _, err := r.store.GetRun(ctx, *opts.RunID); err != nil {
			return 0, fmt.Errorf("resuming run %d: %w", *opts.RunID, err)
		}

		r.log.WithField("run_id", *opts.RunID).Info("Resuming run")

		return *opts.RunID, nil
	}

	runID, err := r.store.BeginRun(ctx, opts.Ticket, total)
	if err != nil {
		return 0, fmt.Errorf("beginning run: %w", err)
	}

	return runID, nil
}

func (r *Reporter) filterUnits(
	units []rcp.MultiClusterRef, limit int,
) []rcp.MultiClusterRef {
	excluded := make(map[string]struct{}, len(r.cfg.Report.ExcludeUIDs))
	for _, uid := range r.cfg.Report.ExcludeUIDs {
		excluded[uid] = struct{}{}
	}

	kept := make([]rcp.MultiClusterRef, 0, len(units))

	for _, u := range units {
		if _, skip := excluded[u.UID]; skip {
			continue
		}

		kept = append(kept, u)
	}

	if limit > 0 && len(kept) > limit {
		r.log.WithField("limit", limit).Info("Limiting processed clusters")

		kept = kept[:limit]
	}

	return kept
}

// processUnit runs the per-cluster state machine: skip if already done or
// inactive, otherwise fetch, pair and persist. Any failure is recorded as a
// failed result and processing continues with the next unit.
func (r *Reporter) processUnit(ctx context.Context, runID uint, mcUID string) {
	log := r.log.WithField("mc_uid", mcUID)

	processed, err := r.store.IsProcessed(ctx, runID, mcUID)
	if err != nil {
		r.recordFailure(ctx, runID, mcUID, err)
		return
	}

	if processed {
		log.Info("Already processed, skipping")
		return
	}

	active, err := r.client.IsActive(ctx, mcUID)
	if err != nil {
		r.recordFailure(ctx, runID, mcUID, err)
		return
	}

	if !active {
		log.Warn("Not active, skipping")
		return
	}

	result, err := r.collect(ctx, mcUID)
	if err != nil {
		r.recordFailure(ctx, runID, mcUID, err)
		return
	}

	if err := r.store.SaveSuccess(ctx, runID, *result); err != nil {
		r.recordFailure(ctx, runID, mcUID, err)
		return
	}

	log.Info("Processed")
}

// collect fetches both plans, persists metadata and pairs the snapshots.
func (r *Reporter) collect(
	ctx context.Context, mcUID string,
) (*blueprint.Result, error) {
	currentDoc, err := r.client.Blueprint(ctx, mcUID)
	if err != nil {
		return nil, err
	}

	// Metadata is current-best-knowledge, refreshed on every fetch
	// regardless of run boundaries.
	md := blueprint.ExtractMetadata(mcUID, currentDoc)
	if err := r.store.UpsertMetadata(ctx, md); err != nil {
		return nil, err
	}

	current, err := blueprint.FromDocument(mcUID, currentDoc)
	if err != nil {
		return nil, err
	}

	optimalDoc, err := r.client.PlanOptimal(ctx, mcUID)
	if err != nil {
		return nil, err
	}

	optimal, err := blueprint.FromDocument(mcUID, optimalDoc)
	if err != nil {
		return nil, err
	}

	result, err := blueprint.PairClusters(current, optimal)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Reporter) recordFailure(
	ctx context.Context, runID uint, mcUID string, cause error,
) {
	r.log.WithError(cause).WithField("mc_uid", mcUID).Error("Failed")

	if err := r.store.SaveFailure(
		ctx, runID, mcUID, cause.Error(),
	); err != nil {
		r.log.WithError(err).WithField("mc_uid", mcUID).
			Error("Failed to record failure")
	}
}
