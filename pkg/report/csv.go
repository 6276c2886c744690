package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// writeArtifact writes the per-cluster savings summary for the run to a CSV
// file in the configured output directory and optionally uploads it. The
// returned path is recorded on the run row.
func (r *Reporter) writeArtifact(
	ctx context.Context, runID uint,
) (string, error) {
	opportunities, err := r.store.TopOpportunities(ctx, &runID, 0)
	if err != nil {
		return "", fmt.Errorf("querying run results: %w", err)
	}

	if err := os.MkdirAll(r.cfg.Artifact.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	name := fmt.Sprintf(
		"aa_report_run%d_%s.csv", runID, time.Now().UTC().Format("20060102_150405"),
	)
	path := filepath.Join(r.cfg.Artifact.OutputDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating artifact file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := []string{
		"mc_uid", "cluster_name", "cloud_provider", "region",
		"software_version", "current_price", "optimal_price",
		"savings", "savings_percent",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("writing csv header: %w", err)
	}

	for _, o := range opportunities {
		row := []string{
			o.MCUID,
			deref(o.ClusterName),
			deref(o.CloudProvider),
			deref(o.Region),
			deref(o.SoftwareVersion),
			formatMoney(o.CurrentPrice),
			formatMoney(o.OptimalPrice),
			formatMoney(o.Savings),
			formatMoney(o.SavingsPercent),
		}

		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %w", err)
	}

	r.log.WithField("path", path).Info("Artifact written")

	if r.uploader != nil {
		if err := r.uploader.UploadFile(ctx, path, name); err != nil {
			// Upload is best-effort; the local artifact remains valid.
			r.log.WithError(err).Warn("Artifact upload failed")
		}
	}

	return path, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
