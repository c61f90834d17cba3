package federation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-federation/pkg/domain"
)

type stubKeyring struct {
	calls atomic.Int32
	err   error

	mu       sync.Mutex
	payloads []*domain.SigningPayload
}

func (k *stubKeyring) VerifySignedPayload(_ context.Context, _ domain.ServerName, payload *domain.SigningPayload, _ int64) error {
	k.calls.Add(1)
	k.mu.Lock()
	k.payloads = append(k.payloads, payload)
	k.mu.Unlock()
	return k.err
}

func (k *stubKeyring) lastPayload() *domain.SigningPayload {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.payloads) == 0 {
		return nil
	}
	return k.payloads[len(k.payloads)-1]
}

type stubStore struct {
	mu      sync.Mutex
	timings map[domain.ServerName]domain.RetryTimings
	sets    int
	getErr  error
	setErr  error
}

func newStubStore() *stubStore {
	return &stubStore{timings: make(map[domain.ServerName]domain.RetryTimings)}
}

func (s *stubStore) GetRetryTimings(_ context.Context, dest domain.ServerName) (*domain.RetryTimings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	t, ok := s.timings[dest]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *stubStore) SetRetryTimings(_ context.Context, dest domain.ServerName, t domain.RetryTimings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	s.timings[dest] = t
	return nil
}

// blockingStore holds SetRetryTimings until release is closed.
type blockingStore struct {
	*stubStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{stubStore: newStubStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingStore) SetRetryTimings(ctx context.Context, dest domain.ServerName, t domain.RetryTimings) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.stubStore.SetRetryTimings(ctx, dest, t)
}

func (s *stubStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type stubNotifier struct {
	mu  sync.Mutex
	ups []domain.ServerName
}

func (n *stubNotifier) NotifyRemoteServerUp(origin domain.ServerName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ups = append(n.ups, origin)
}

func (n *stubNotifier) notified() []domain.ServerName {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.ServerName(nil), n.ups...)
}

type stubReplication struct {
	mu   sync.Mutex
	sent []domain.ServerName
	err  error
}

func (r *stubReplication) SendRemoteServerUp(_ context.Context, origin domain.ServerName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, origin)
	return r.err
}

func (r *stubReplication) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type stubPolicy struct {
	allow bool
	err   error
	calls atomic.Int32
}

func (p *stubPolicy) Admit(context.Context, AdmissionInput) (bool, string, error) {
	p.calls.Add(1)
	return p.allow, "stub", p.err
}

// gateLimiter admits one request per origin at a time and records when
// admissions happen.
type gateLimiter struct {
	slots sync.Map
	err   error
}

type gateAdmission struct {
	ch   chan struct{}
	once sync.Once
}

func (a *gateAdmission) Release() {
	a.once.Do(func() { <-a.ch })
}

func (l *gateLimiter) Acquire(ctx context.Context, origin string) (Admission, error) {
	if l.err != nil {
		return nil, l.err
	}
	v, _ := l.slots.LoadOrStore(origin, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return &gateAdmission{ch: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errBoom = errors.New("boom")
