package dispatch

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/guard"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/sender"
)

// fakeStore mimics the queue tables in memory, including the atomic
// claim semantics the real store gets from SKIP LOCKED.
type fakeStore struct {
	mu     sync.Mutex
	emails map[uuid.UUID]*db.EmailMessage
	logs   []*db.EmailLog

	sweepCalls     int
	sweepRetention time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{emails: make(map[uuid.UUID]*db.EmailMessage)}
}

func (s *fakeStore) add(m *db.EmailMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[m.ID] = m
}

func (s *fakeStore) get(id uuid.UUID) db.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.emails[id]
}

func (s *fakeStore) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emails[id]
	return ok
}

func (s *fakeStore) ClaimBatch(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]*db.EmailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*db.EmailMessage
	for _, m := range s.emails {
		claimable := m.Status == db.StatusPending ||
			(m.Status == db.StatusQueued && m.ClaimedAt != nil && m.ClaimedAt.Before(now.Add(-lease)))
		if !claimable {
			continue
		}
		if m.ScheduledFor != nil && m.ScheduledFor.After(now) {
			continue
		}
		if m.Attempts >= m.MaxAttempts {
			continue
		}
		eligible = append(eligible, m)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := db.PriorityRank(eligible[i].Priority), db.PriorityRank(eligible[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]*db.EmailMessage, 0, len(eligible))
	for _, m := range eligible {
		m.Status = db.StatusQueued
		t := now
		m.ClaimedAt = &t
		cp := *m
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *fakeStore) MarkSending(ctx context.Context, id uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.emails[id]
	if !ok {
		return 0, db.ErrNotFound
	}
	if m.Status != db.StatusQueued {
		return 0, db.ErrInvalidState
	}
	m.Status = db.StatusSending
	m.Attempts++
	m.LastAttemptAt = &now
	return m.Attempts, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, providerResponse []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.emails[id]
	m.Status = db.StatusSent
	m.ProcessedAt = &now
	m.ProviderMessageID = &providerMessageID
	m.ProviderResponse = providerResponse
	return nil
}

func (s *fakeStore) MarkRetryable(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.emails[id]
	m.Status = db.StatusPending
	m.ErrorMessage = &errMsg
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, errDetails []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.emails[id]
	m.Status = db.StatusFailed
	m.ErrorMessage = &errMsg
	m.ProcessedAt = &now
	return nil
}

func (s *fakeStore) InsertLog(ctx context.Context, entry *db.EmailLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *fakeStore) Sweep(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepCalls++
	s.sweepRetention = retention

	cutoff := now.Add(-retention)
	var deleted int64
	for id, m := range s.emails {
		switch m.Status {
		case db.StatusSent, db.StatusDelivered, db.StatusCancelled:
			if m.CreatedAt.Before(cutoff) {
				delete(s.emails, id)
				deleted++
			}
		}
	}
	return deleted, nil
}

// allowAll is a policy that admits everything.
type allowAll struct{}

func (allowAll) CheckAndReserve(ctx context.Context, msg *db.EmailMessage, now time.Time) (guard.Decision, error) {
	return guard.Decision{Allowed: true}, nil
}

// denyAll denies everything with a fixed reason.
type denyAll struct{ reason string }

func (p denyAll) CheckAndReserve(ctx context.Context, msg *db.EmailMessage, now time.Time) (guard.Decision, error) {
	return guard.Decision{Reason: p.reason}, nil
}

// scriptedSender returns canned results or errors, counting sends.
type scriptedSender struct {
	mu    sync.Mutex
	err   error
	sends []uuid.UUID
}

func (s *scriptedSender) Send(ctx context.Context, msg *db.EmailMessage) (*sender.Result, error) {
	s.mu.Lock()
	s.sends = append(s.sends, msg.ID)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &sender.Result{ProviderMessageID: "resend-" + msg.ID.String()[:8]}, nil
}

func (s *scriptedSender) Name() string { return "scripted" }

func (s *scriptedSender) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func newDispatcher(store Store, policy Policy, snd sender.Sender, cfg Config) *Dispatcher {
	return New(store, policy, snd, cfg, metrics.New(), zap.NewNop())
}

func pendingEmail(priority string, createdAt time.Time) *db.EmailMessage {
	return &db.EmailMessage{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		TemplateType: db.TemplateWelcome,
		ToEmail:      "user@example.com",
		Subject:      "Welcome!",
		HTMLContent:  "<p>Hello</p>",
		Status:       db.StatusPending,
		Priority:     priority,
		MaxAttempts:  3,
		CreatedAt:    createdAt,
	}
}

func TestDispatcher_SendsPendingEmail(t *testing.T) {
	store := newFakeStore()
	msg := pendingEmail(db.PriorityNormal, time.Now())
	store.add(msg)

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 || summary.Sent != 1 {
		t.Errorf("expected 1 processed 1 sent, got %d/%d", summary.Processed, summary.Sent)
	}

	got := store.get(msg.ID)
	if got.Status != db.StatusSent {
		t.Errorf("expected status sent, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.ProviderMessageID == nil {
		t.Fatal("expected provider message id recorded")
	}

	if len(store.logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(store.logs))
	}
	log := store.logs[0]
	if log.Status != db.StatusSent || log.TemplateType != db.TemplateWelcome {
		t.Errorf("unexpected log: status=%s template=%s", log.Status, log.TemplateType)
	}
	if log.SentAt == nil {
		t.Error("expected sent_at on log")
	}
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	store := newFakeStore()
	base := time.Now()

	low := pendingEmail(db.PriorityLow, base)
	normal1 := pendingEmail(db.PriorityNormal, base.Add(time.Second))
	normal2 := pendingEmail(db.PriorityNormal, base.Add(2*time.Second))
	critical := pendingEmail(db.PriorityCritical, base.Add(3*time.Second))
	store.add(low)
	store.add(normal1)
	store.add(normal2)
	store.add(critical)

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uuid.UUID{critical.ID, normal1.ID, normal2.ID, low.ID}
	if len(snd.sends) != len(want) {
		t.Fatalf("expected %d sends, got %d", len(want), len(snd.sends))
	}
	for i, id := range want {
		if snd.sends[i] != id {
			t.Errorf("send %d: expected %s, got %s", i, id, snd.sends[i])
		}
	}
}

func TestDispatcher_SchedulingGate(t *testing.T) {
	store := newFakeStore()
	future := time.Now().Add(time.Hour)
	msg := pendingEmail(db.PriorityNormal, time.Now())
	msg.ScheduledFor = &future
	store.add(msg)

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("expected scheduled email skipped, processed %d", summary.Processed)
	}
	if store.get(msg.ID).Status != db.StatusPending {
		t.Errorf("expected still pending, got %s", store.get(msg.ID).Status)
	}
}

func TestDispatcher_TransientRetriesUntilMaxAttempts(t *testing.T) {
	store := newFakeStore()
	msg := pendingEmail(db.PriorityNormal, time.Now())
	store.add(msg)

	snd := &scriptedSender{err: &sender.SendError{Kind: sender.KindTransient, Message: "timeout"}}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := d.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	got := store.get(msg.ID)
	if got.Attempts != 3 {
		t.Errorf("expected exactly max_attempts=3 attempts, got %d", got.Attempts)
	}
	if got.Status != db.StatusFailed {
		t.Errorf("expected failed after exhausting retries, got %s", got.Status)
	}
	if snd.sendCount() != 3 {
		t.Errorf("expected 3 provider calls, got %d", snd.sendCount())
	}
}

func TestDispatcher_PermanentErrorShortCircuits(t *testing.T) {
	store := newFakeStore()
	msg := pendingEmail(db.PriorityNormal, time.Now())
	store.add(msg)

	snd := &scriptedSender{err: &sender.SendError{Kind: sender.KindPermanent, Message: "invalid recipient"}}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d.Run(ctx)
	}

	got := store.get(msg.ID)
	if got.Attempts != 1 {
		t.Errorf("expected single attempt for permanent error, got %d", got.Attempts)
	}
	if got.Status != db.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestDispatcher_PolicyDenialDoesNotConsumeAttempts(t *testing.T) {
	store := newFakeStore()
	msg := pendingEmail(db.PriorityNormal, time.Now())
	store.add(msg)

	snd := &scriptedSender{}
	d := newDispatcher(store, denyAll{reason: "hourly send limit reached"}, snd, Config{})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Denied != 1 {
		t.Errorf("expected 1 denied, got %d", summary.Denied)
	}

	got := store.get(msg.ID)
	if got.Attempts != 0 {
		t.Errorf("denial must not consume attempts, got %d", got.Attempts)
	}
	if got.Status != db.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if snd.sendCount() != 0 {
		t.Error("provider must not be called for denied message")
	}
	if len(store.logs) != 1 || store.logs[0].Status != db.StatusFailed {
		t.Errorf("expected one failed log entry, got %d", len(store.logs))
	}
}

func TestDispatcher_DenialCountedRegardlessOfReasonWording(t *testing.T) {
	store := newFakeStore()
	msg := pendingEmail(db.PriorityNormal, time.Now())
	store.add(msg)

	snd := &scriptedSender{}
	d := newDispatcher(store, denyAll{reason: "tenant suspended"}, snd, Config{})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Denied != 1 || summary.Failed != 0 {
		t.Errorf("expected denied=1 failed=0, got %d/%d", summary.Denied, summary.Failed)
	}
	if len(summary.Results) != 1 || !summary.Results[0].Denied {
		t.Error("expected the per-row result flagged as denied")
	}
}

func TestDispatcher_ConcurrentRunsNeverDoubleSend(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 40; i++ {
		store.add(pendingEmail(db.PriorityNormal, time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{BatchSize: 10, Concurrency: 4})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(context.Background())
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	snd.mu.Lock()
	for _, id := range snd.sends {
		seen[id]++
	}
	snd.mu.Unlock()
	for id, n := range seen {
		if n > 1 {
			t.Errorf("email %s sent %d times", id, n)
		}
	}
	if snd.sendCount() != 40 {
		t.Errorf("expected all 40 emails sent exactly once, got %d sends", snd.sendCount())
	}
}

// deadlineSender records the deadline on the context it is handed.
type deadlineSender struct {
	mu       sync.Mutex
	deadline time.Time
	hasDL    bool
}

func (s *deadlineSender) Send(ctx context.Context, msg *db.EmailMessage) (*sender.Result, error) {
	s.mu.Lock()
	s.deadline, s.hasDL = ctx.Deadline()
	s.mu.Unlock()
	return &sender.Result{ProviderMessageID: "dl-" + msg.ID.String()[:8]}, nil
}

func (s *deadlineSender) Name() string { return "deadline" }

func TestDispatcher_SendTimeoutBoundsProviderCall(t *testing.T) {
	store := newFakeStore()
	store.add(pendingEmail(db.PriorityNormal, time.Now()))

	snd := &deadlineSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{SendTimeout: 5 * time.Second})

	before := time.Now()
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snd.mu.Lock()
	defer snd.mu.Unlock()
	if !snd.hasDL {
		t.Fatal("expected a deadline on the provider call context")
	}
	if snd.deadline.After(before.Add(6 * time.Second)) {
		t.Errorf("deadline %s exceeds the configured 5s send timeout", snd.deadline.Sub(before))
	}
}

func TestDispatcher_RetentionSweep(t *testing.T) {
	store := newFakeStore()
	now := time.Now()

	oldSent := pendingEmail(db.PriorityNormal, now.Add(-48*time.Hour))
	oldSent.Status = db.StatusSent
	freshSent := pendingEmail(db.PriorityNormal, now.Add(-time.Hour))
	freshSent.Status = db.StatusSent
	oldFailed := pendingEmail(db.PriorityNormal, now.Add(-48*time.Hour))
	oldFailed.Status = db.StatusFailed
	store.add(oldSent)
	store.add(freshSent)
	store.add(oldFailed)

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{Retention: 24 * time.Hour})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.sweepCalls != 1 {
		t.Fatalf("expected 1 sweep, got %d", store.sweepCalls)
	}
	if store.sweepRetention != 24*time.Hour {
		t.Errorf("expected sweep with 24h window, got %s", store.sweepRetention)
	}
	if summary.Swept != 1 {
		t.Errorf("expected 1 row swept, got %d", summary.Swept)
	}
	if store.has(oldSent.ID) {
		t.Error("sent row older than the window must be removed")
	}
	if !store.has(freshSent.ID) {
		t.Error("sent row within the window must be retained")
	}
	if !store.has(oldFailed.ID) {
		t.Error("failed rows must never be swept")
	}
}

func TestDispatcher_NoRetentionNoSweep(t *testing.T) {
	store := newFakeStore()
	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.sweepCalls != 0 {
		t.Errorf("sweep must be skipped when retention is disabled, got %d calls", store.sweepCalls)
	}
}

func TestDispatcher_BatchSizeLimit(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 7; i++ {
		store.add(pendingEmail(db.PriorityNormal, time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	snd := &scriptedSender{}
	d := newDispatcher(store, allowAll{}, snd, Config{BatchSize: 5})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 5 {
		t.Errorf("expected batch capped at 5, processed %d", summary.Processed)
	}
}
