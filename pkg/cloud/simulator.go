// Package cloud provides provisioning backends for the engine. The
// simulator is the default: an in-memory CloudAPI that mimics the three
// cloud backends closely enough to exercise plans, retries, and rollback
// without touching a real account.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openstrato/openstrato/pkg/engine"
)

// simResource is one provisioned resource inside the simulator.
type simResource struct {
	ID         string
	Module     string
	Resource   string
	Spec       engine.ResourceSpec
	Backend    engine.Backend
	Attributes map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// failureRule injects failures into matching calls, for tests and the
// simulate CLI flag.
type failureRule struct {
	module    string
	spec      string
	remaining int
	transient bool
}

// Simulator is an in-memory CloudAPI. Safe for concurrent use.
type Simulator struct {
	mu        sync.Mutex
	resources map[string]*simResource
	failures  []*failureRule
	latency   time.Duration
	log       zerolog.Logger
}

// NewSimulator constructs a simulator. latency is added to every call to
// keep concurrent execution honest; zero disables it.
func NewSimulator(latency time.Duration, log zerolog.Logger) *Simulator {
	return &Simulator{
		resources: make(map[string]*simResource),
		latency:   latency,
		log:       log.With().Str("component", "cloud-simulator").Logger(),
	}
}

// InjectFailure makes the next `times` calls touching the given module and
// spec name fail. Transient failures clear themselves as they are consumed,
// so a retrying caller eventually succeeds once the budget runs out.
func (s *Simulator) InjectFailure(module, spec string, times int, transient bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failureRule{
		module:    module,
		spec:      spec,
		remaining: times,
		transient: transient,
	})
}

// ResourceCount returns how many resources currently exist.
func (s *Simulator) ResourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// HasResource reports whether a resource with the given provider ID exists.
func (s *Simulator) HasResource(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.resources[id]
	return ok
}

// CreateResource implements engine.CloudAPI.
func (s *Simulator) CreateResource(ctx context.Context, req *engine.CloudRequest) (*engine.CloudResponse, error) {
	if err := s.simulate(ctx, req, "create"); err != nil {
		return nil, err
	}

	id := fmt.Sprintf("sim-%s-%s", req.Spec.Type, uuid.New().String()[:8])
	res := &simResource{
		ID:         id,
		Module:     req.Module,
		Resource:   req.Resource,
		Spec:       req.Spec,
		Backend:    req.Backend,
		Attributes: s.synthesize(id, req),
		CreatedAt:  time.Now().UTC(),
	}
	res.UpdatedAt = res.CreatedAt

	s.mu.Lock()
	s.resources[id] = res
	s.mu.Unlock()

	s.log.Debug().Str("id", id).Str("type", req.Spec.Type).Msg("created resource")
	return &engine.CloudResponse{ResourceID: id, Attributes: res.Attributes}, nil
}

// UpdateResource implements engine.CloudAPI.
func (s *Simulator) UpdateResource(ctx context.Context, req *engine.CloudRequest) (*engine.CloudResponse, error) {
	if err := s.simulate(ctx, req, "update"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[req.ResourceID]
	if !ok {
		return nil, engine.NewProviderError(
			fmt.Sprintf("resource %q not found for update", req.ResourceID), nil)
	}
	res.Spec = req.Spec
	res.Attributes = s.synthesizeLocked(res.ID, req)
	res.UpdatedAt = time.Now().UTC()

	s.log.Debug().Str("id", res.ID).Str("type", req.Spec.Type).Msg("updated resource")
	return &engine.CloudResponse{ResourceID: res.ID, Attributes: res.Attributes}, nil
}

// DeleteResource implements engine.CloudAPI. Deleting an absent resource
// succeeds, matching real provider delete semantics.
func (s *Simulator) DeleteResource(ctx context.Context, req *engine.CloudRequest) error {
	if err := s.simulate(ctx, req, "delete"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, req.ResourceID)
	s.log.Debug().Str("id", req.ResourceID).Msg("deleted resource")
	return nil
}

// simulate applies latency and failure injection.
func (s *Simulator) simulate(ctx context.Context, req *engine.CloudRequest, op string) error {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return engine.NewTransientProviderError("call canceled", ctx.Err())
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rule := range s.failures {
		if rule.remaining <= 0 {
			continue
		}
		if rule.module != "" && rule.module != req.Module {
			continue
		}
		if rule.spec != "" && rule.spec != req.Spec.Name {
			continue
		}
		rule.remaining--
		msg := fmt.Sprintf("injected %s failure for %s/%s", op, req.Module, req.Spec.Name)
		if rule.transient {
			return engine.NewTransientProviderError(msg, nil)
		}
		return engine.NewProviderError(msg, nil)
	}
	return nil
}

func (s *Simulator) synthesize(id string, req *engine.CloudRequest) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesizeLocked(id, req)
}

// synthesizeLocked fabricates provider attributes for a resource. Every
// resource of a kind carries that kind's output fields, so variant output
// mappings always find their source regardless of backend.
func (s *Simulator) synthesizeLocked(id string, req *engine.CloudRequest) map[string]interface{} {
	attrs := make(map[string]interface{}, len(req.Spec.Fields)+6)
	for k, v := range req.Spec.Fields {
		attrs[k] = v
	}
	attrs["id"] = id

	host := fmt.Sprintf("%s.%s.%s.sim.internal", req.Resource, req.Module, req.Backend)

	switch req.Kind {
	case engine.KindNetwork:
		attrs["network_id"] = id
		count := intField(req.Spec.Fields, "az_count", intField(req.Spec.Fields, "subnet_count", 2))
		subnets := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			subnets = append(subnets, fmt.Sprintf("%s-subnet-%d", id, i))
		}
		attrs["subnet_ids"] = subnets

	case engine.KindCluster:
		attrs["cluster_endpoint"] = "https://" + host + ":6443"
		attrs["cluster_credentials"] = "token-" + uuid.New().String()

	case engine.KindRelationalDB:
		port := 5432
		if fmt.Sprint(req.Properties["engine"]) == "mysql" {
			port = 3306
		}
		attrs["address"] = host
		attrs["port"] = port
		attrs["connection_url"] = fmt.Sprintf("%s://strato:%s@%s:%d/app",
			fmt.Sprint(req.Properties["engine"]), uuid.New().String()[:13], host, port)

	case engine.KindCache:
		attrs["cache_host"] = host
		attrs["redis_url"] = fmt.Sprintf("rediss://:%s@%s:6379", uuid.New().String()[:13], host)

	case engine.KindObjectStore:
		attrs["storage_bucket"] = stringField(req.Spec.Fields, "name", stringField(req.Spec.Fields, "bucket", req.Resource))
		attrs["storage_endpoint"] = "https://" + host
	}
	return attrs
}

func intField(fields map[string]interface{}, key string, def int) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringField(fields map[string]interface{}, key, def string) string {
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return def
}
