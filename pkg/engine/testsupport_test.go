package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory StateStore for planner and executor tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
	events  []*EventRecord
	lock    *LockInfo

	failSave bool
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*StateRecord{}}
}

func (s *memStore) GetRecord(ctx context.Context, key string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

func (s *memStore) ListRecords(ctx context.Context) ([]*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*StateRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.records[key])
	}
	return out, nil
}

func (s *memStore) SaveRecord(ctx context.Context, rec *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save disabled")
	}
	cp := *rec
	cp.ResourceIDs = map[string]string{}
	for k, v := range rec.ResourceIDs {
		cp.ResourceIDs[k] = v
	}
	cp.Outputs = OutputSet{}
	for k, v := range rec.Outputs {
		cp.Outputs[k] = v
	}
	s.records[rec.Key()] = &cp
	return nil
}

func (s *memStore) DeleteRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memStore) AcquireLock(ctx context.Context, runID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return NewLockContentionError(s.lock.Holder, nil)
	}
	now := time.Now().UTC()
	s.lock = &LockInfo{RunID: runID, Holder: holder, AcquiredAt: now, HeartbeatAt: now}
	return nil
}

func (s *memStore) Heartbeat(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil || s.lock.RunID != runID {
		return fmt.Errorf("lock not held by %s", runID)
	}
	s.lock.HeartbeatAt = time.Now().UTC()
	return nil
}

func (s *memStore) ReleaseLock(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil && s.lock.RunID == runID {
		s.lock = nil
	}
	return nil
}

func (s *memStore) ForceUnlock(ctx context.Context, operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lock = nil
	return nil
}

func (s *memStore) LockInfo(ctx context.Context) (*LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock, nil
}

func (s *memStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, runID string) ([]*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EventRecord
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		types = append(types, ev.EventType)
	}
	return types
}

// fakeResolver builds two-spec variants: an auxiliary resource followed
// by the primary, mirroring the dependency shape real variants have.
type fakeResolver struct {
	// immutable maps kind to the property names that force Replace.
	immutable map[Kind][]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{immutable: map[Kind][]string{
		KindNetwork:      {"cidr"},
		KindRelationalDB: {"engine"},
	}}
}

func (r *fakeResolver) Resolve(module string, d *ResourceDescriptor, backend Backend, env Environment) (*ProviderVariant, error) {
	aux := "aux-" + d.Name
	outputs := map[string]OutputSource{}
	for _, name := range KindOutputNames(d.Kind) {
		outputs[name] = OutputSource{Resource: d.Name, Field: name}
	}
	return &ProviderVariant{
		Module:   module,
		Resource: d.Name,
		Kind:     d.Kind,
		Backend:  backend,
		Resources: []ResourceSpec{
			{Name: aux, Type: "fake_aux", Fields: map[string]interface{}{}},
			{Name: d.Name, Type: "fake_" + string(d.Kind), Primary: true,
				DependsOn: []string{aux}, Fields: d.Properties},
		},
		Outputs:             outputs,
		ImmutableProperties: r.immutable[d.Kind],
	}, nil
}

// fakeCloud records every request and synthesizes attributes covering the
// kind's logical outputs. Failures are injected per (module, spec).
type fakeCloud struct {
	mu      sync.Mutex
	nextID  int
	creates []*CloudRequest
	updates []*CloudRequest
	deletes []*CloudRequest

	failures map[string]*injectedFailure
}

type injectedFailure struct {
	remaining int
	transient bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{failures: map[string]*injectedFailure{}}
}

func failKey(module, spec string) string { return module + "/" + spec }

func (c *fakeCloud) failOn(module, spec string, times int, transient bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[failKey(module, spec)] = &injectedFailure{remaining: times, transient: transient}
}

func (c *fakeCloud) checkFailure(req *CloudRequest, op string) error {
	f, ok := c.failures[failKey(req.Module, req.Spec.Name)]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	msg := fmt.Sprintf("injected %s failure for %s/%s", op, req.Module, req.Spec.Name)
	if f.transient {
		return NewTransientProviderError(msg, nil)
	}
	return NewProviderError(msg, nil)
}

func (c *fakeCloud) attributes(req *CloudRequest) map[string]interface{} {
	attrs := map[string]interface{}{}
	for _, name := range KindOutputNames(req.Kind) {
		attrs[name] = fmt.Sprintf("%s-%s", name, req.Spec.Name)
	}
	return attrs
}

func (c *fakeCloud) CreateResource(ctx context.Context, req *CloudRequest) (*CloudResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailure(req, "create"); err != nil {
		return nil, err
	}
	c.nextID++
	c.creates = append(c.creates, req)
	return &CloudResponse{
		ResourceID: fmt.Sprintf("fake-%d", c.nextID),
		Attributes: c.attributes(req),
	}, nil
}

func (c *fakeCloud) UpdateResource(ctx context.Context, req *CloudRequest) (*CloudResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailure(req, "update"); err != nil {
		return nil, err
	}
	c.updates = append(c.updates, req)
	return &CloudResponse{ResourceID: req.ResourceID, Attributes: c.attributes(req)}, nil
}

func (c *fakeCloud) DeleteResource(ctx context.Context, req *CloudRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailure(req, "delete"); err != nil {
		return err
	}
	c.deletes = append(c.deletes, req)
	return nil
}

func (c *fakeCloud) deletedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.deletes))
	for _, req := range c.deletes {
		ids = append(ids, req.ResourceID)
	}
	return ids
}

// fakeMetrics counts executor observations.
type fakeMetrics struct {
	mu      sync.Mutex
	steps   int
	retries int
}

func (m *fakeMetrics) ObserveStep(action Action, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
}

func (m *fakeMetrics) ObserveRetry(module, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
