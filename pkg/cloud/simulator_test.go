package cloud

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

func newSim() *Simulator {
	return NewSimulator(0, zerolog.Nop())
}

func createReq(module, resource string, kind engine.Kind, spec engine.ResourceSpec) *engine.CloudRequest {
	return &engine.CloudRequest{
		Module:      module,
		Resource:    resource,
		Kind:        kind,
		Backend:     engine.BackendAWS,
		Environment: engine.EnvDev,
		Spec:        spec,
	}
}

func TestSimulator_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	sim := newSim()

	resp, err := sim.CreateResource(ctx, createReq("storage", "assets", engine.KindObjectStore,
		engine.ResourceSpec{Name: "bucket", Type: "aws_s3_bucket", Primary: true,
			Fields: map[string]interface{}{"bucket": "storage-assets"}}))
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	if resp.ResourceID == "" || !sim.HasResource(resp.ResourceID) {
		t.Fatal("created resource not tracked")
	}
	if got := resp.Attributes["storage_bucket"]; got != "storage-assets" {
		t.Errorf("storage_bucket = %v, want storage-assets", got)
	}

	upd, err := sim.UpdateResource(ctx, &engine.CloudRequest{
		Module: "storage", Resource: "assets", Kind: engine.KindObjectStore,
		Backend: engine.BackendAWS,
		Spec: engine.ResourceSpec{Name: "bucket", Type: "aws_s3_bucket",
			Fields: map[string]interface{}{"bucket": "storage-assets-v2"}},
		ResourceID: resp.ResourceID,
	})
	if err != nil {
		t.Fatalf("UpdateResource failed: %v", err)
	}
	if upd.ResourceID != resp.ResourceID {
		t.Error("update must keep the provider ID")
	}
	if got := upd.Attributes["storage_bucket"]; got != "storage-assets-v2" {
		t.Errorf("updated storage_bucket = %v, want storage-assets-v2", got)
	}

	if err := sim.DeleteResource(ctx, &engine.CloudRequest{
		Module: "storage", Resource: "assets",
		Spec: engine.ResourceSpec{Name: "bucket"}, ResourceID: resp.ResourceID,
	}); err != nil {
		t.Fatalf("DeleteResource failed: %v", err)
	}
	if sim.HasResource(resp.ResourceID) {
		t.Error("resource still present after delete")
	}
}

func TestSimulator_UpdateUnknownResourceFails(t *testing.T) {
	sim := newSim()
	_, err := sim.UpdateResource(context.Background(), &engine.CloudRequest{
		Module: "storage", Resource: "assets", Kind: engine.KindObjectStore,
		Spec: engine.ResourceSpec{Name: "bucket"}, ResourceID: "sim-missing",
	})
	if !engine.HasCode(err, engine.ErrCodeProvider) {
		t.Fatalf("error = %v, want %s", err, engine.ErrCodeProvider)
	}
}

func TestSimulator_DeleteAbsentSucceeds(t *testing.T) {
	sim := newSim()
	if err := sim.DeleteResource(context.Background(), &engine.CloudRequest{
		Module: "storage", Spec: engine.ResourceSpec{Name: "bucket"}, ResourceID: "sim-gone",
	}); err != nil {
		t.Fatalf("deleting an absent resource must succeed, got %v", err)
	}
}

func TestSimulator_FailureInjectionConsumesBudget(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	sim.InjectFailure("storage", "bucket", 2, true)

	req := createReq("storage", "assets", engine.KindObjectStore,
		engine.ResourceSpec{Name: "bucket", Type: "aws_s3_bucket"})

	for i := 0; i < 2; i++ {
		_, err := sim.CreateResource(ctx, req)
		if !engine.IsTransient(err) {
			t.Fatalf("attempt %d: error = %v, want transient", i+1, err)
		}
	}
	if _, err := sim.CreateResource(ctx, req); err != nil {
		t.Fatalf("budget exhausted, create should succeed: %v", err)
	}

	// Rules scope to (module, spec); other resources are untouched.
	sim.InjectFailure("storage", "bucket", 1, false)
	if _, err := sim.CreateResource(ctx, createReq("compute", "main", engine.KindCluster,
		engine.ResourceSpec{Name: "control_plane", Type: "aws_eks_cluster"})); err != nil {
		t.Errorf("failure rule leaked to another module: %v", err)
	}
}

func TestSimulator_SynthesizesKindOutputs(t *testing.T) {
	ctx := context.Background()
	sim := newSim()

	tests := []struct {
		kind   engine.Kind
		spec   engine.ResourceSpec
		fields []string
	}{
		{engine.KindNetwork,
			engine.ResourceSpec{Name: "vpc", Type: "aws_vpc", Fields: map[string]interface{}{"az_count": 3}},
			[]string{"network_id", "subnet_ids"}},
		{engine.KindCluster,
			engine.ResourceSpec{Name: "control_plane", Type: "aws_eks_cluster"},
			[]string{"cluster_endpoint", "cluster_credentials"}},
		{engine.KindRelationalDB,
			engine.ResourceSpec{Name: "db_instance", Type: "aws_db_instance"},
			[]string{"connection_url", "address", "port"}},
		{engine.KindCache,
			engine.ResourceSpec{Name: "replication_group", Type: "aws_elasticache_replication_group"},
			[]string{"redis_url", "cache_host"}},
		{engine.KindObjectStore,
			engine.ResourceSpec{Name: "bucket", Type: "aws_s3_bucket"},
			[]string{"storage_bucket", "storage_endpoint"}},
	}
	for _, tt := range tests {
		resp, err := sim.CreateResource(ctx, createReq("mod", "res", tt.kind, tt.spec))
		if err != nil {
			t.Fatalf("CreateResource(%s) failed: %v", tt.kind, err)
		}
		for _, field := range tt.fields {
			if _, ok := resp.Attributes[field]; !ok {
				t.Errorf("%s attributes missing %q: %v", tt.kind, field, resp.Attributes)
			}
		}
	}

	// Subnet count follows the requested az_count.
	resp, err := sim.CreateResource(ctx, createReq("networking", "vpc", engine.KindNetwork,
		engine.ResourceSpec{Name: "subnets", Type: "aws_subnet", Fields: map[string]interface{}{"az_count": 4}}))
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	subnets, ok := resp.Attributes["subnet_ids"].([]interface{})
	if !ok || len(subnets) != 4 {
		t.Errorf("subnet_ids = %v, want 4 entries", resp.Attributes["subnet_ids"])
	}
}

func TestSimulator_MySQLPort(t *testing.T) {
	sim := newSim()
	req := createReq("database", "primary", engine.KindRelationalDB,
		engine.ResourceSpec{Name: "db_instance", Type: "aws_db_instance"})
	req.Properties = map[string]interface{}{"engine": "mysql"}

	resp, err := sim.CreateResource(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	if resp.Attributes["port"] != 3306 {
		t.Errorf("port = %v, want 3306 for mysql", resp.Attributes["port"])
	}
	url, _ := resp.Attributes["connection_url"].(string)
	if !strings.HasPrefix(url, "mysql://") {
		t.Errorf("connection_url = %q, want mysql scheme", url)
	}
}
