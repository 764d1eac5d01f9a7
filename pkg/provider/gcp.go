package provider

import (
	"github.com/openstrato/openstrato/pkg/engine"
)

// registerGCP binds the GCP variant builders. GCP's managed services fold
// most auxiliary resources into a single API object, so these variants
// stay small compared to AWS.
func registerGCP(r *Registry) {
	r.Register(engine.KindNetwork, engine.BackendGCP, gcpNetwork)
	r.Register(engine.KindCluster, engine.BackendGCP, gcpCluster)
	r.Register(engine.KindRelationalDB, engine.BackendGCP, gcpRelationalDB)
	r.Register(engine.KindCache, engine.BackendGCP, gcpCache)
	r.Register(engine.KindObjectStore, engine.BackendGCP, gcpObjectStore)
}

func gcpNetwork(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "network",
				Type:    "google_compute_network",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                    name,
					"auto_create_subnetworks": false,
				},
			},
			{
				Name: "subnetworks",
				Type: "google_compute_subnetwork",
				Fields: map[string]interface{}{
					"name":          name + "-subnets",
					"ip_cidr_range": d.StringProperty("cidr", ""),
					"region_count":  d.IntProperty("az_count", 2),
				},
				DependsOn: []string{"network"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"network_id": {Resource: "network", Field: "network_id"},
			"subnet_ids": {Resource: "subnetworks", Field: "subnet_ids"},
		},
		ImmutableProperties: []string{"cidr"},
	}, nil
}

func gcpCluster(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "cluster",
				Type:    "google_container_cluster",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                    name,
					"min_master_version":      d.StringProperty("version", ""),
					"enable_private_endpoint": !d.BoolProperty("public_endpoint", false),
				},
			},
			{
				Name: "node_pool",
				Type: "google_container_node_pool",
				Fields: map[string]interface{}{
					"name":         name + "-pool",
					"node_count":   d.IntProperty("node_count", 3),
					"machine_type": gcpMachineType(d.StringProperty("node_size", "medium")),
				},
				DependsOn: []string{"cluster"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"cluster_endpoint":    {Resource: "cluster", Field: "cluster_endpoint"},
			"cluster_credentials": {Resource: "cluster", Field: "cluster_credentials"},
		},
		ImmutableProperties: []string{"node_size"},
	}, nil
}

func gcpRelationalDB(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	availability := "ZONAL"
	if d.BoolProperty("replication", false) {
		availability = "REGIONAL"
	}

	// Cloud SQL is one managed instance; replication and encryption are
	// instance settings rather than separate resources.
	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "instance",
				Type:    "google_sql_database_instance",
				Primary: true,
				Fields: map[string]interface{}{
					"name":              name,
					"database_version":  gcpDatabaseVersion(d.StringProperty("engine", "postgres"), d.StringProperty("version", "")),
					"disk_size":         d.IntProperty("size_gb", 20),
					"availability_type": availability,
					"disk_encryption":   d.BoolProperty("encryption", false),
					"ipv4_enabled":      d.BoolProperty("public_access", false),
					"deletion_protection": d.BoolProperty("deletion_protection", false),
					"backup_retention":  d.IntProperty("backup_retention", 7),
				},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"database_url":  {Resource: "instance", Field: "connection_url"},
			"database_host": {Resource: "instance", Field: "address"},
			"database_port": {Resource: "instance", Field: "port"},
		},
		ImmutableProperties: []string{"engine", "encryption"},
	}, nil
}

func gcpCache(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	tier := "BASIC"
	if d.IntProperty("node_count", 1) > 1 {
		tier = "STANDARD_HA"
	}

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "instance",
				Type:    "google_redis_instance",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                    name,
					"redis_version":           "REDIS_" + d.StringProperty("version", ""),
					"memory_size_gb":          d.IntProperty("memory_gb", 1),
					"tier":                    tier,
					"transit_encryption_mode": gcpTransitEncryption(d.BoolProperty("encryption", false)),
				},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"redis_url":  {Resource: "instance", Field: "redis_url"},
			"cache_host": {Resource: "instance", Field: "cache_host"},
		},
		ImmutableProperties: []string{"engine"},
	}, nil
}

func gcpObjectStore(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "bucket",
				Type:    "google_storage_bucket",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                        name,
					"versioning":                  d.BoolProperty("versioning", false),
					"default_kms_key":             d.BoolProperty("encryption", false),
					"public_access_prevention":    gcpPublicAccessPrevention(d.BoolProperty("public_access", false)),
					"uniform_bucket_level_access": true,
				},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"storage_bucket":   {Resource: "bucket", Field: "storage_bucket"},
			"storage_endpoint": {Resource: "bucket", Field: "storage_endpoint"},
		},
	}, nil
}

func gcpMachineType(size string) string {
	switch size {
	case "small":
		return "e2-standard-2"
	case "large":
		return "e2-standard-8"
	default:
		return "e2-standard-4"
	}
}

func gcpDatabaseVersion(dbEngine, version string) string {
	if dbEngine == "mysql" {
		return "MYSQL_" + version
	}
	return "POSTGRES_" + version
}

func gcpTransitEncryption(enabled bool) string {
	if enabled {
		return "SERVER_AUTHENTICATION"
	}
	return "DISABLED"
}

func gcpPublicAccessPrevention(public bool) string {
	if public {
		return "inherited"
	}
	return "enforced"
}
