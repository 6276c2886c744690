package store

import (
	"time"

	"gorm.io/datatypes"
)

// Run status constants. A run is created in_progress and transitions to
// completed exactly once; there is no way back.
const (
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
)

// Cluster result status constants.
const (
	ResultStatusSuccess = "success"
	ResultStatusFailed  = "failed"
)

// Run is one execution of the collection process.
type Run struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	StartedAt         time.Time  `gorm:"not null;index:idx_runs_status_started,priority:2" json:"started_at"`
	Ticket            string     `json:"ticket"`
	TotalClusters     int        `json:"total_clusters"`
	ProcessedClusters int        `json:"processed_clusters"`
	FailedClusters    int        `json:"failed_clusters"`
	Status            string     `gorm:"not null;index:idx_runs_status_started,priority:1" json:"status"`
	CompletedAt       *time.Time `json:"completed_at"`
	ArtifactPath      *string    `json:"artifact_path"`
}

// ClusterResult is the outcome of processing one multi-cluster unit within
// one run. At most one row exists per (run, mc_uid); saving again replaces
// the previous attempt and its singles.
type ClusterResult struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RunID          uint      `gorm:"not null;uniqueIndex:idx_results_run_uid;index:idx_results_run_status,priority:1" json:"run_id"`
	MCUID          string    `gorm:"not null;uniqueIndex:idx_results_run_uid;index" json:"mc_uid"`
	ProcessedAt    time.Time `gorm:"not null" json:"processed_at"`
	Status         string    `gorm:"not null;index:idx_results_run_status,priority:2" json:"status"`
	ErrorMessage   *string   `json:"error_message"`
	TotalSavings   float64   `gorm:"index" json:"total_savings"`
	SavingsPercent float64   `json:"savings_percent"`
}

// ClusterSingle is one physical cluster's snapshot (current or optimal)
// belonging to a ClusterResult. Rows are written atomically with their
// result and never updated in place.
type ClusterSingle struct {
	ID             uint                                 `gorm:"primaryKey" json:"id"`
	ResultID       uint                                 `gorm:"not null;index:idx_singles_result_variant,priority:1" json:"result_id"`
	ClusterUID     string                               `gorm:"not null" json:"cluster_uid"`
	Variant        string                               `gorm:"not null;index:idx_singles_result_variant,priority:2" json:"variant"`
	Infra          datatypes.JSONType[map[string]int]   `gorm:"not null" json:"infra"`
	InstancePrice  float64                              `gorm:"not null" json:"instance_price"`
	StoragePrice   float64                              `gorm:"not null" json:"storage_price"`
	TotalPrice     float64                              `gorm:"not null" json:"total_price"`
	TotalInstances int                                  `json:"total_instances"`
}

// ClusterMetadata is the latest known descriptive attributes of a
// multi-cluster unit. One row per mc_uid, fully overwritten on every fresh
// fetch; it is current-best-knowledge, not a historical snapshot.
type ClusterMetadata struct {
	MCUID             string    `gorm:"primaryKey" json:"mc_uid"`
	ClusterName       *string   `json:"cluster_name"`
	CloudProvider     *string   `gorm:"index" json:"cloud_provider"`
	Region            *string   `gorm:"index" json:"region"`
	AccountID         *string   `json:"account_id"`
	EngineVersion     *string   `json:"engine_version"`
	SoftwareVersion   *string   `json:"software_version"`
	OSVersion         *string   `json:"os_version"`
	MultiAZ           *bool     `json:"multi_az"`
	AvailabilityZones *string   `json:"availability_zones"`
	StorageType       *string   `json:"storage_type"`
	CreationDate      *string   `json:"creation_date"`
	ShardsCount       *int      `json:"shards_count"`
	MaxShardsCount    *int      `json:"max_shards_count"`
	TotalStorageGB    *int      `json:"total_storage_gb"`
	DataNodesCount    *int      `json:"data_nodes_count"`
	QuorumNodesCount  *int      `json:"quorum_nodes_count"`
	TotalNodesCount   *int      `json:"total_nodes_count"`
	RoFEnabled        *bool     `json:"rof_enabled"`
	LastUpdated       time.Time `json:"last_updated"`
}

// TableName pins the table name; gorm's pluralizer mangles "Metadata".
func (ClusterMetadata) TableName() string {
	return "cluster_metadata"
}
