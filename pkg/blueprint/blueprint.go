// Package blueprint contains the value objects shared between the RCP
// client, the report driver and the store: per-cluster pricing, instance
// inventories and the metadata derived from a raw blueprint document.
package blueprint

import (
	"fmt"
	"math"
)

// Single cluster variant tags, as stored alongside each snapshot.
const (
	VariantCurrent = "current"
	VariantOptimal = "optimal"
)

// Price is the monthly cost breakdown of one physical cluster.
type Price struct {
	Instance float64 `json:"instance"`
	Storage  float64 `json:"storage"`
}

// Total returns the combined monthly cost.
func (p Price) Total() float64 {
	return p.Instance + p.Storage
}

// SingleCluster is one physical cluster's configuration snapshot.
type SingleCluster struct {
	UID   string         `json:"uid"`
	Infra map[string]int `json:"infra"`
	Price Price          `json:"price"`
}

// TotalInstances returns the number of nodes across all instance types.
func (c SingleCluster) TotalInstances() int {
	var total int
	for _, n := range c.Infra {
		total += n
	}

	return total
}

// MultiCluster is a logical Active-Active unit composed of physical clusters.
type MultiCluster struct {
	UID      string
	Clusters []SingleCluster
}

// Pair holds the current and optimal snapshot of the same physical cluster.
type Pair struct {
	Current SingleCluster
	Optimal SingleCluster
}

// Result is the paired current/optimal outcome for one multi-cluster unit.
type Result struct {
	UID   string
	Pairs []Pair
}

// CurrentTotal sums the current monthly cost across all physical clusters.
func (r Result) CurrentTotal() float64 {
	var total float64
	for _, p := range r.Pairs {
		total += p.Current.Price.Total()
	}

	return total
}

// OptimalTotal sums the optimal monthly cost across all physical clusters.
func (r Result) OptimalTotal() float64 {
	var total float64
	for _, p := range r.Pairs {
		total += p.Optimal.Price.Total()
	}

	return total
}

// FromDocument converts a raw blueprint or optimal-plan document into a
// MultiCluster. Both document kinds share the same shape: a "blueprints"
// list where each entry carries a cluster UID and a per-cluster blueprint
// with node inventory and monthly cost breakdown.
func FromDocument(mcUID string, doc map[string]any) (MultiCluster, error) {
	if doc == nil {
		return MultiCluster{}, fmt.Errorf("multi-cluster %s: empty document", mcUID)
	}

	entries, ok := doc["blueprints"].([]any)
	if !ok {
		return MultiCluster{}, fmt.Errorf(
			"multi-cluster %s: document has no blueprints list", mcUID,
		)
	}

	mc := MultiCluster{
		UID:      mcUID,
		Clusters: make([]SingleCluster, 0, len(entries)),
	}

	for i, entry := range entries {
		single, ok := entry.(map[string]any)
		if !ok {
			return MultiCluster{}, fmt.Errorf(
				"multi-cluster %s: blueprint entry %d is not an object", mcUID, i,
			)
		}

		clusterUID, _ := single["cluster_uid"].(string)
		if clusterUID == "" {
			return MultiCluster{}, fmt.Errorf(
				"multi-cluster %s: blueprint entry %d has no cluster_uid", mcUID, i,
			)
		}

		bp, _ := single["blueprint"].(map[string]any)
		if bp == nil {
			return MultiCluster{}, fmt.Errorf(
				"multi-cluster %s: cluster %s has no blueprint", mcUID, clusterUID,
			)
		}

		costs := asMap(bp["usd_per_month"])

		infra := make(map[string]int)
		for _, n := range asList(bp["nodes"]) {
			node := asMap(n)
			if node == nil {
				continue
			}

			if it, ok := node["instance_type"].(string); ok && it != "" {
				infra[it]++
			}
		}

		mc.Clusters = append(mc.Clusters, SingleCluster{
			UID:   clusterUID,
			Infra: infra,
			Price: Price{
				// Prices are rounded at ingest; everything derived from them
				// is kept unrounded until the presentation boundary.
				Instance: round2(asFloat(costs["cluster"])),
				Storage:  round2(asFloat(costs["storage"])),
			},
		})
	}

	return mc, nil
}

// PairClusters matches the current and optimal snapshots of each physical
// cluster by UID. Both sides are expected to enumerate the same set of
// cluster UIDs; a UID present on only one side fails the whole unit.
func PairClusters(current, optimal MultiCluster) (Result, error) {
	optimalByUID := make(map[string]SingleCluster, len(optimal.Clusters))
	for _, c := range optimal.Clusters {
		optimalByUID[c.UID] = c
	}

	result := Result{
		UID:   current.UID,
		Pairs: make([]Pair, 0, len(current.Clusters)),
	}

	matched := make(map[string]struct{}, len(current.Clusters))

	for _, cur := range current.Clusters {
		opt, ok := optimalByUID[cur.UID]
		if !ok {
			return Result{}, fmt.Errorf(
				"cluster %s has no optimal plan counterpart", cur.UID,
			)
		}

		matched[cur.UID] = struct{}{}

		result.Pairs = append(result.Pairs, Pair{Current: cur, Optimal: opt})
	}

	for _, opt := range optimal.Clusters {
		if _, ok := matched[opt.UID]; !ok {
			return Result{}, fmt.Errorf(
				"optimal plan cluster %s is absent from the current blueprint", opt.UID,
			)
		}
	}

	return result, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// --- loose document navigation helpers ---

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

// asFloat tolerates the numeric types json decoding and test fixtures
// produce for cost fields.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}

	return 0
}

// asInt is asFloat truncated; blueprint counters are whole numbers.
func asInt(v any) int {
	return int(asFloat(v))
}
