package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory Store used across the package tests.
type memStore struct {
	mu        sync.Mutex
	resources map[string]*Resource
	updates   map[string]*Update
	order     []string

	failCreateUpdate bool
	failFinalize     bool
}

func newMemStore() *memStore {
	return &memStore{
		resources: make(map[string]*Resource),
		updates:   make(map[string]*Update),
	}
}

func resourceKey(kind TargetType, id string) string {
	return string(kind) + "/" + id
}

func (s *memStore) putResource(r *Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[resourceKey(r.Kind, r.ID)] = r
}

func (s *memStore) GetResource(_ context.Context, kind TargetType, id string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(kind, id)]
	if !ok {
		return nil, fmt.Errorf("resource %s/%s not found", kind, id)
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListResources(_ context.Context, kind TargetType) ([]*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Resource
	for _, r := range s.resources {
		if r.Kind == kind {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateResourceInfo(_ context.Context, kind TargetType, id string, info []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[resourceKey(kind, id)]
	if !ok {
		return fmt.Errorf("resource %s/%s not found", kind, id)
	}
	r.Info = append([]byte(nil), info...)
	r.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) CreateUpdate(_ context.Context, u *Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateUpdate {
		return fmt.Errorf("simulated create failure")
	}
	cp := *u
	s.updates[u.ID] = &cp
	s.order = append(s.order, u.ID)
	return nil
}

func (s *memStore) GetUpdate(_ context.Context, id string) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return nil, fmt.Errorf("update %s not found", id)
	}
	cp := *u
	cp.Logs = append([]LogChunk(nil), u.Logs...)
	return &cp, nil
}

func (s *memStore) ListUpdates(_ context.Context, target Target, limit int) ([]*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Update
	for i := len(s.order) - 1; i >= 0; i-- {
		u := s.updates[s.order[i]]
		if target.Type != "" && u.Target != target {
			continue
		}
		cp := *u
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) SetUpdateStatus(_ context.Context, id string, status UpdateStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return fmt.Errorf("update %s not found", id)
	}
	u.Status = status
	if status == UpdateInProgress {
		u.StartedAt = &at
	}
	return nil
}

func (s *memStore) AppendUpdateLog(_ context.Context, id string, chunk LogChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	if !ok {
		return fmt.Errorf("update %s not found", id)
	}
	u.Logs = append(u.Logs, chunk)
	return nil
}

func (s *memStore) FinalizeUpdate(_ context.Context, id string, success bool, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize {
		return fmt.Errorf("simulated finalize failure")
	}
	u, ok := s.updates[id]
	if !ok {
		return fmt.Errorf("update %s not found", id)
	}
	if u.Status == UpdateComplete {
		return fmt.Errorf("update %s already complete", id)
	}
	u.Status = UpdateComplete
	u.Success = success
	u.Message = message
	u.CompletedAt = &at
	return nil
}

func (s *memStore) ListUnfinishedUpdates(_ context.Context) ([]*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Update
	for _, id := range s.order {
		u := s.updates[id]
		if u.Status != UpdateComplete {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) byType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeAgent is a scriptable Agent for dispatcher tests.
type fakeAgent struct {
	mu     sync.Mutex
	calls  []AgentCall
	result *AgentResult
	err    error
	chunks []string
	block  chan struct{}
}

func (a *fakeAgent) Execute(ctx context.Context, _ *ServerConfig, call AgentCall, sink LogSink) (*AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	block := a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, NewAgentError(AgentTimeout, "call deadline exceeded").WithCause(ctx.Err())
		}
	}
	for _, chunk := range a.chunks {
		if sink != nil {
			sink(StreamStdout, chunk)
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &AgentResult{}, nil
}

func (a *fakeAgent) Ping(_ context.Context, _ *ServerConfig) (*ServerInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &ServerInfo{Reachable: true, CheckedAt: time.Now()}, nil
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// allowAll is a PermissionGate that admits everything.
type allowAll struct{}

func (allowAll) Check(context.Context, string, Operation, Target) error { return nil }

// denyAll rejects every request.
type denyAll struct{}

func (denyAll) Check(_ context.Context, operator string, op Operation, target Target) error {
	return NewPermissionError("operator %s may not %s %s", operator, op, target).
		WithOperation(op).WithTarget(target)
}

func mustJSON(t interface{ Fatalf(string, ...interface{}) }, v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
