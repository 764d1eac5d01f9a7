package provider

import (
	"github.com/openstrato/openstrato/pkg/engine"
)

// registerAzure binds the Azure variant builders. Every Azure variant
// anchors its resources in a per-descriptor resource group, which is also
// what makes teardown a single-subtree operation.
func registerAzure(r *Registry) {
	r.Register(engine.KindNetwork, engine.BackendAzure, azureNetwork)
	r.Register(engine.KindCluster, engine.BackendAzure, azureCluster)
	r.Register(engine.KindRelationalDB, engine.BackendAzure, azureRelationalDB)
	r.Register(engine.KindCache, engine.BackendAzure, azureCache)
	r.Register(engine.KindObjectStore, engine.BackendAzure, azureObjectStore)
}

func azureResourceGroup(name string) engine.ResourceSpec {
	return engine.ResourceSpec{
		Name:   "resource_group",
		Type:   "azurerm_resource_group",
		Fields: map[string]interface{}{"name": name + "-rg"},
	}
}

func azureNetwork(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			azureResourceGroup(name),
			{
				Name:    "vnet",
				Type:    "azurerm_virtual_network",
				Primary: true,
				Fields: map[string]interface{}{
					"name":          name,
					"address_space": d.StringProperty("cidr", ""),
				},
				DependsOn: []string{"resource_group"},
			},
			{
				Name: "subnets",
				Type: "azurerm_subnet",
				Fields: map[string]interface{}{
					"name":         name + "-subnets",
					"subnet_count": d.IntProperty("az_count", 2),
				},
				DependsOn: []string{"vnet"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"network_id": {Resource: "vnet", Field: "network_id"},
			"subnet_ids": {Resource: "subnets", Field: "subnet_ids"},
		},
		ImmutableProperties: []string{"cidr"},
	}, nil
}

func azureCluster(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			azureResourceGroup(name),
			{
				Name:    "aks",
				Type:    "azurerm_kubernetes_cluster",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                    name,
					"kubernetes_version":      d.StringProperty("version", ""),
					"node_count":              d.IntProperty("node_count", 3),
					"vm_size":                 azureVMSize(d.StringProperty("node_size", "medium")),
					"private_cluster_enabled": !d.BoolProperty("public_endpoint", false),
				},
				DependsOn: []string{"resource_group"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"cluster_endpoint":    {Resource: "aks", Field: "cluster_endpoint"},
			"cluster_credentials": {Resource: "aks", Field: "cluster_credentials"},
		},
		ImmutableProperties: []string{"node_size"},
	}, nil
}

func azureRelationalDB(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	serverType := "azurerm_postgresql_flexible_server"
	if d.StringProperty("engine", "postgres") == "mysql" {
		serverType = "azurerm_mysql_flexible_server"
	}

	specs := []engine.ResourceSpec{
		azureResourceGroup(name),
		{
			Name:    "server",
			Type:    serverType,
			Primary: true,
			Fields: map[string]interface{}{
				"name":                  name,
				"version":               d.StringProperty("version", ""),
				"storage_gb":            d.IntProperty("size_gb", 20),
				"high_availability":     d.BoolProperty("replication", false),
				"infrastructure_encryption": d.BoolProperty("encryption", false),
				"backup_retention_days": d.IntProperty("backup_retention", 7),
			},
			DependsOn: []string{"resource_group"},
		},
	}
	if d.BoolProperty("public_access", false) {
		specs = append(specs, engine.ResourceSpec{
			Name:      "firewall_rule",
			Type:      "azurerm_flexible_server_firewall_rule",
			Fields:    map[string]interface{}{"name": name + "-fw", "allow_public": true},
			DependsOn: []string{"server"},
		})
	}

	return &engine.ProviderVariant{
		Resources: specs,
		Outputs: map[string]engine.OutputSource{
			"database_url":  {Resource: "server", Field: "connection_url"},
			"database_host": {Resource: "server", Field: "address"},
			"database_port": {Resource: "server", Field: "port"},
		},
		ImmutableProperties: []string{"engine", "encryption"},
	}, nil
}

func azureCache(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)
	sku := "Basic"
	if d.IntProperty("node_count", 1) > 1 {
		sku = "Premium"
	}

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			azureResourceGroup(name),
			{
				Name:    "redis",
				Type:    "azurerm_redis_cache",
				Primary: true,
				Fields: map[string]interface{}{
					"name":                name,
					"redis_version":       d.StringProperty("version", ""),
					"capacity":            d.IntProperty("memory_gb", 1),
					"sku_name":            sku,
					"shard_count":         d.IntProperty("node_count", 1),
					"enable_non_ssl_port": !d.BoolProperty("encryption", false),
				},
				DependsOn: []string{"resource_group"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"redis_url":  {Resource: "redis", Field: "redis_url"},
			"cache_host": {Resource: "redis", Field: "cache_host"},
		},
		ImmutableProperties: []string{"engine"},
	}, nil
}

func azureObjectStore(module string, d *engine.ResourceDescriptor, env engine.Environment) (*engine.ProviderVariant, error) {
	name := resourceName(module, d)

	return &engine.ProviderVariant{
		Resources: []engine.ResourceSpec{
			azureResourceGroup(name),
			{
				Name: "storage_account",
				Type: "azurerm_storage_account",
				Fields: map[string]interface{}{
					"name":                     name,
					"infrastructure_encryption": d.BoolProperty("encryption", false),
					"versioning_enabled":       d.BoolProperty("versioning", false),
					"public_network_access":    d.BoolProperty("public_access", false),
				},
				DependsOn: []string{"resource_group"},
			},
			{
				Name:    "container",
				Type:    "azurerm_storage_container",
				Primary: true,
				Fields: map[string]interface{}{
					"name": name,
				},
				DependsOn: []string{"storage_account"},
			},
		},
		Outputs: map[string]engine.OutputSource{
			"storage_bucket":   {Resource: "container", Field: "storage_bucket"},
			"storage_endpoint": {Resource: "storage_account", Field: "storage_endpoint"},
		},
	}, nil
}

func azureVMSize(size string) string {
	switch size {
	case "small":
		return "Standard_D2s_v5"
	case "large":
		return "Standard_D8s_v5"
	default:
		return "Standard_D4s_v5"
	}
}
