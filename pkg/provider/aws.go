package provider

import (
	"fmt"

	"github.com/openstrato/openstrato/pkg/engine"
)

// registerAWS binds the AWS variant builders. AWS variants are the most
// resource-heavy of the three backends: a single descriptor routinely
// expands into supporting IAM, networking, and key-management resources.
func registerAWS(r *Registry) {
	r.Register(engine.KindNetwork, engine.BackendAWS, awsNetwork)
	r.Register(engine.KindCluster, engine.BackendAWS, awsCluster)
	r.Register(engine.KindRelationalDB, engine.BackendAWS, awsRelationalDB)
	r.Register(engine.KindCache, engine.BackendAWS, awsCache)
	r.Register(engine.KindObjectStore, engine.BackendAWS, awsObjectStore)
}

func awsNetwork(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	azCount := d.IntProperty("az_count", 2)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:    "vpc",
				Type:    "aws_vpc",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                 name,
					"cidr_block":           d.StringProperty("cidr", ""),
					"enable_dns_support":   d.BoolProperty("dns_enabled", true),
					"enable_dns_hostnames": d.BoolProperty("dns_enabled", true),
				},
			},
			{
				Name: "subnets",
				Type: "aws_subnet",
				Fields: map[string]interface{}{
					"name":       name + "-subnets",
					"cidr_block": d.StringProperty("cidr", ""),
					"az_count":   azCount,
				},
				DependsOn: []string{"vpc"},
			},
			{
				Name:      "internet_gateway",
				Type:      "aws_internet_gateway",
				Fields:    map[string]interface{}{"name": name + "-igw"},
				DependsOn: []string{"vpc"},
			},
			{
				Name:      "route_table",
				Type:      "aws_route_table",
				Fields:    map[string]interface{}{"name": name + "-rt"},
				DependsOn: []string{"subnets", "internet_gateway"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"network_id": {Resource: "vpc", Field: "network_id"},
			"subnet_ids": {Resource: "subnets", Field: "subnet_ids"},
		},
		ImmutableProperties: []string{"cidr"},
	}, nil
}

func awsCluster(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name: "cluster_role",
				Type: "aws_iam_role",
				Fields: map[string]interface{}{
					"name":      name + "-cluster-role",
					"service":   "eks.amazonaws.com",
					"policies":  []string{"AmazonEKSClusterPolicy"},
				},
			},
			{
				Name: "node_role",
				Type: "aws_iam_role",
				Fields: map[string]interface{}{
					"name":     name + "-node-role",
					"service":  "ec2.amazonaws.com",
					"policies": []string{"AmazonEKSWorkerNodePolicy", "AmazonEC2ContainerRegistryReadOnly"},
				},
			},
			{
				Name:    "control_plane",
				Type:    "aws_eks_cluster",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                    name,
					"version":                 d.StringProperty("version", ""),
					"endpoint_public_access":  d.BoolProperty("public_endpoint", false),
					"endpoint_private_access": true,
				},
				DependsOn: []string{"cluster_role"},
			},
			{
				Name: "node_group",
				Type: "aws_eks_node_group",
				Fields: map[string]interface{}{
					"name":          name + "-nodes",
					"desired_size":  d.IntProperty("node_count", 3),
					"instance_type": awsInstanceType(d.StringProperty("node_size", "medium")),
				},
				DependsOn: []string{"control_plane", "node_role"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"cluster_endpoint":    {Resource: "control_plane", Field: "cluster_endpoint"},
			"cluster_credentials": {Resource: "control_plane", Field: "cluster_credentials"},
		},
		ImmutableProperties: []string{"node_size"},
	}, nil
}

func awsRelationalDB(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	dbEngine := d.StringProperty("engine", "postgres")
	encrypted := d.BoolProperty("encryption", false)

	specs := []engine.ResourceSpec{
		{
			Name:   "subnet_group",
			Type:   "aws_db_subnet_group",
			Fields: map[string]interface{}{"name": name + "-subnets"},
		},
		{
			Name: "parameter_group",
			Type: "aws_db_parameter_group",
			Fields: map[string]interface{}{
				"name":   name + "-params",
				"family": fmt.Sprintf("%s%s", dbEngine, d.StringProperty("version", "")),
			},
		},
		{
			Name: "security_group",
			Type: "aws_security_group",
			Fields: map[string]interface{}{
				"name":          name + "-sg",
				"public_access": d.BoolProperty("public_access", false),
			},
		},
	}

	instanceDeps := []string{"subnet_group", "parameter_group", "security_group"}
	if encrypted {
		specs = append(specs, engine.ResourceSpec{
			Name:   "kms_key",
			Type:   "aws_kms_key",
			Fields: map[string]interface{}{"alias": "alias/" + name},
		})
		instanceDeps = append(instanceDeps, "kms_key")
	}

	specs = append(specs, engine.ResourceSpec{
		Name:    "db_instance",
		Type:    "aws_db_instance",
		Primary: true,
		Fields: map[string]interface{}{
			"identifier":          name,
			"engine":              dbEngine,
			"engine_version":      d.StringProperty("version", ""),
			"allocated_storage":   d.IntProperty("size_gb", 20),
			"multi_az":            d.BoolProperty("replication", false),
			"storage_encrypted":   encrypted,
			"publicly_accessible": d.BoolProperty("public_access", false),
			"deletion_protection": d.BoolProperty("deletion_protection", false),
			"backup_retention":    d.IntProperty("backup_retention", 7),
		},
		DependsOn: instanceDeps,
	})

	if d.BoolProperty("replication", false) {
		specs = append(specs, engine.ResourceSpec{
			Name: "read_replica",
			Type: "aws_db_instance",
			Fields: map[string]interface{}{
				"identifier": name + "-replica",
				"replicate":  name,
			},
			DependsOn: []string{"db_instance"},
		})
	}

	return &engine.ProviderVariant{
		Resources: specs,
		Outputs: map[string]engine.OutputSource{
			"database_url":  {Resource: "db_instance", Field: "connection_url"},
			"database_host": {Resource: "db_instance", Field: "address"},
			"database_port": {Resource: "db_instance", Field: "port"},
		},
		// RDS cannot switch engines or retrofit storage encryption in place.
		ImmutableProperties: []string{"engine", "encryption"},
	}, nil
}

func awsCache(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			{
				Name:   "subnet_group",
				Type:   "aws_elasticache_subnet_group",
				Fields: map[string]interface{}{"name": name + "-subnets"},
			},
			{
				Name:    "replication_group",
				Type:    "aws_elasticache_replication_group",
				Primary: true,
				Fields: map[string]interface{}{
					"replication_group_id":       name,
					"engine":                     d.StringProperty("engine", "redis"),
					"engine_version":             d.StringProperty("version", ""),
					"num_cache_clusters":         d.IntProperty("node_count", 1),
					"node_type":                  awsCacheNodeType(d.IntProperty("memory_gb", 1)),
					"at_rest_encryption_enabled": d.BoolProperty("encryption", false),
					"transit_encryption_enabled": d.BoolProperty("encryption", false),
				},
				DependsOn: []string{"subnet_group"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"redis_url":  {Resource: "replication_group", Field: "redis_url"},
			"cache_host": {Resource: "replication_group", Field: "cache_host"},
		},
		ImmutableProperties: []string{"engine"},
	}, nil
}

func awsObjectStore(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	specs := []engine.ResourceSpec{
		{
			Name:    "bucket",
			Type:    "aws_s3_bucket",
			Primary: true,
			Fields:  map[string]interface{}{"bucket": name},
		},
		{
			Name: "public_access_block",
			Type: "aws_s3_bucket_public_access_block",
			Fields: map[string]interface{}{
				"block_public_access": !d.BoolProperty("public_access", false),
			},
			DependsOn: []string{"bucket"},
		},
	}
	if d.BoolProperty("versioning", false) {
		specs = append(specs, engine.ResourceSpec{
			Name:      "versioning",
			Type:      "aws_s3_bucket_versioning",
			Fields:    map[string]interface{}{"status": "Enabled"},
			DependsOn: []string{"bucket"},
		})
	}
	if d.BoolProperty("encryption", false) {
		specs = append(specs, engine.ResourceSpec{
			Name:      "encryption",
			Type:      "aws_s3_bucket_server_side_encryption_configuration",
			Fields:    map[string]interface{}{"sse_algorithm": "aws:kms"},
			DependsOn: []string{"bucket"},
		})
	}

	return &engine.ProviderVariant{
		Resources: specs,
		Outputs: map[string]engine.OutputSource{
			"storage_bucket":   {Resource: "bucket", Field: "storage_bucket"},
			"storage_endpoint": {Resource: "bucket", Field: "storage_endpoint"},
		},
	}, nil
}

func awsInstanceType(size string) string {
	switch size {
	case "small":
		return "m6i.large"
	case "large":
		return "m6i.2xlarge"
	default:
		return "m6i.xlarge"
	}
}

func awsCacheNodeType(memoryGB int) string {
	switch {
	case memoryGB <= 1:
		return "cache.t4g.small"
	case memoryGB <= 8:
		return "cache.m6g.large"
	default:
		return "cache.r6g.xlarge"
	}
}
