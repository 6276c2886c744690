package blueprint

import (
	"sort"
	"strings"
)

// Metadata is the latest known descriptive attributes of a multi-cluster
// unit, independent of any particular run. Pointer fields map to nullable
// columns; a nil field means the source document lacked the value.
type Metadata struct {
	MCUID             string
	ClusterName       *string
	CloudProvider     *string
	Region            *string
	AccountID         *string
	EngineVersion     *string
	SoftwareVersion   *string
	OSVersion         *string
	MultiAZ           *bool
	AvailabilityZones *string
	StorageType       *string
	CreationDate      *string
	ShardsCount       *int
	MaxShardsCount    *int
	TotalStorageGB    *int
	DataNodesCount    *int
	QuorumNodesCount  *int
	TotalNodesCount   *int
	RoFEnabled        *bool
}

// ExtractMetadata derives structured cluster attributes from a raw blueprint
// document. Missing optional structure never fails; every absent field stays
// nil. A document without any blueprints yields metadata with only the UID
// set.
func ExtractMetadata(mcUID string, doc map[string]any) Metadata {
	md := Metadata{MCUID: mcUID}

	entries := asList(doc["blueprints"])
	if len(entries) == 0 {
		return md
	}

	// Attributes are taken from the first physical cluster; the unit's
	// clusters share name, version and topology.
	first := asMap(asMap(entries[0])["blueprint"])
	if first == nil {
		return md
	}

	cloud := asMap(first["cloud"])
	provider := strings.ToLower(str(cloud["provider"]))

	switch provider {
	case "aws":
		md.CloudProvider = ptr("AWS")
		md.Region = strPtr(cloud["region"])
	case "gcp":
		md.CloudProvider = ptr("GCP")
		md.Region = strPtr(asMap(cloud["gcp"])["region"])
	case "azure":
		md.CloudProvider = ptr("Azure")
		md.Region = strPtr(asMap(cloud["azure"])["region"])
	}

	md.AccountID = strPtr(cloud["account_id"])

	cluster := asMap(first["cluster"])
	md.ClusterName = strPtr(cluster["name"])
	md.EngineVersion = strPtr(cluster["redis_version"])
	md.SoftwareVersion = strPtr(cluster["desired_software_version"])
	md.OSVersion = strPtr(cluster["desired_os_version"])

	if v, ok := cluster["multi_az"].(bool); ok {
		md.MultiAZ = &v
	}

	if v, ok := cluster["rof"].(bool); ok {
		md.RoFEnabled = &v
	}

	if _, ok := cluster["shards_count"]; ok {
		md.ShardsCount = ptr(asInt(cluster["shards_count"]))
	}

	if _, ok := cluster["max_shards_count"]; ok {
		md.MaxShardsCount = ptr(asInt(cluster["max_shards_count"]))
	}

	if created := str(asMap(first["metadata"])["creation_time"]); created != "" {
		// Keep only the date portion of an ISO timestamp.
		if idx := strings.Index(created, "T"); idx >= 0 {
			created = created[:idx]
		}

		md.CreationDate = &created
	}

	azs := make(map[string]struct{})
	storageTypes := make(map[string]struct{})

	var (
		totalStorageGB int
		dataNodes      int
		quorumNodes    int
	)

	for _, n := range asList(first["nodes"]) {
		node := asMap(n)
		if node == nil {
			continue
		}

		if az := str(node["availability_zone"]); az != "" {
			azs[az] = struct{}{}
		}

		if q, _ := node["quorum_only"].(bool); q {
			quorumNodes++
		} else {
			dataNodes++
		}

		// Disk descriptors live in provider-specific shapes: AWS carries a
		// single ebs_volume object, GCP and Azure carry disk arrays.
		switch provider {
		case "aws":
			ebs := asMap(node["ebs_volume"])
			if t := str(ebs["volume_type"]); t != "" {
				storageTypes[t] = struct{}{}
			}

			totalStorageGB += asInt(ebs["volume_size"])
		case "gcp":
			for _, d := range asList(node["gcp_disks"]) {
				disk := asMap(d)
				if t := str(disk["type"]); t != "" {
					storageTypes[t] = struct{}{}
				}

				totalStorageGB += asInt(disk["size"])
			}
		case "azure":
			for _, d := range asList(node["azure_disks"]) {
				disk := asMap(d)
				if t := str(disk["type"]); t != "" {
					storageTypes[t] = struct{}{}
				}

				totalStorageGB += asInt(disk["size"])
			}
		}
	}

	md.AvailabilityZones = ptr(joinSorted(azs))
	md.StorageType = ptr(joinSorted(storageTypes))

	if totalStorageGB > 0 {
		md.TotalStorageGB = &totalStorageGB
	}

	md.DataNodesCount = &dataNodes
	md.QuorumNodesCount = &quorumNodes
	md.TotalNodesCount = ptr(dataNodes + quorumNodes)

	return md
}

// gcpFamilies are the machine-family prefixes that mark a GCP instance type.
var gcpFamilies = []string{"n1", "n2", "c2", "c3", "e2", "m1", "m2"}

// awsFamilies are the first letters of AWS instance families.
const awsFamilies = "mrctixzpgd"

// DetectProvider infers the cloud provider from instance-type naming when no
// metadata is available: AWS types look like "m5.xlarge", GCP like
// "n2-standard-4", Azure like "Standard_D4s_v3". The first recognizable type
// decides; an empty or unrecognized list yields "Unknown".
func DetectProvider(instanceTypes []string) string {
	for _, it := range instanceTypes {
		if it == "" {
			continue
		}

		if strings.Contains(it, ".") &&
			strings.ContainsRune(awsFamilies, rune(it[0])) {
			return "AWS"
		}

		if strings.Contains(it, "-") {
			for _, family := range gcpFamilies {
				if strings.HasPrefix(it, family) {
					return "GCP"
				}
			}
		}

		if strings.HasPrefix(it, "Standard_") {
			return "Azure"
		}
	}

	return "Unknown"
}

func joinSorted(set map[string]struct{}) string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}

	sort.Strings(values)

	return strings.Join(values, ",")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// strPtr returns a pointer to the string value, or nil when absent or empty.
func strPtr(v any) *string {
	s := str(v)
	if s == "" {
		return nil
	}

	return &s
}

func ptr[T any](v T) *T {
	return &v
}
