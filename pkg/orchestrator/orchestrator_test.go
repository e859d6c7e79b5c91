package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopkit/shopkit-domains/pkg/clients"
	"github.com/shopkit/shopkit-domains/pkg/db"
	"github.com/shopkit/shopkit-domains/pkg/model"
	"github.com/shopkit/shopkit-domains/pkg/verify"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTargetHost = "ingress.shopkit.dev"

// fakeDB is an in-memory db.Database with the same visible semantics as the
// real store. Unlike the real store it lets tests back-date CreatedAt and
// inspect removed records.
type fakeDB struct {
	mu      sync.Mutex
	next    int
	records map[string]db.DomainRecord
}

func newFakeDB() *fakeDB {
	return &fakeDB{records: map[string]db.DomainRecord{}}
}

func (f *fakeDB) CreateDomain(tenantID, hostname, verificationToken string) (db.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, record := range f.records {
		if record.Hostname == hostname && record.LifecycleStatus != model.LifecycleRemoved {
			return db.DomainRecord{}, db.ErrDuplicateHostname
		}
	}

	f.next++
	now := time.Now()
	record := db.DomainRecord{
		ID:                fmt.Sprintf("rec-%04d", f.next),
		TenantID:          tenantID,
		Hostname:          hostname,
		LifecycleStatus:   model.LifecyclePending,
		SSLStatus:         model.SSLNone,
		VerificationToken: verificationToken,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	f.records[record.ID] = record
	return record, nil
}

func (f *fakeDB) GetDomain(id string) (db.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[id]
	if !ok || record.LifecycleStatus == model.LifecycleRemoved {
		return db.DomainRecord{}, db.ErrNotFound
	}
	return record, nil
}

func (f *fakeDB) ListByTenant(tenantID string) ([]db.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []db.DomainRecord
	for _, record := range f.records {
		if record.TenantID == tenantID && record.LifecycleStatus != model.LifecycleRemoved {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeDB) ListInFlight() ([]db.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []db.DomainRecord
	for _, record := range f.records {
		switch record.LifecycleStatus {
		case model.LifecyclePending, model.LifecycleProvisioning, model.LifecycleVerifying:
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeDB) UpdateStatus(id string, fields db.Fields) (db.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[id]
	if !ok {
		return db.DomainRecord{}, db.ErrNotFound
	}
	if record.LifecycleStatus == model.LifecycleRemoved {
		return db.DomainRecord{}, db.ErrRemoved
	}

	if fields.LifecycleStatus != nil && *fields.LifecycleStatus != record.LifecycleStatus {
		if !record.LifecycleStatus.CanTransitionTo(*fields.LifecycleStatus) {
			return db.DomainRecord{}, db.ErrIllegalTransition
		}
		record.LifecycleStatus = *fields.LifecycleStatus
	}
	if fields.SSLStatus != nil {
		record.SSLStatus = *fields.SSLStatus
	}
	if fields.EdgePlatformRef != nil {
		record.EdgePlatformRef = *fields.EdgePlatformRef
	}
	if fields.DNSProviderRef != nil {
		record.DNSProviderRef = *fields.DNSProviderRef
	}
	if fields.Attempts != nil {
		record.Attempts = *fields.Attempts
	}
	if fields.LastVerifiedAt != nil {
		record.LastVerifiedAt = fields.LastVerifiedAt
	}
	if fields.ErrorDetail != nil {
		record.ErrorDetail = *fields.ErrorDetail
	}
	record.UpdatedAt = time.Now()

	f.records[id] = record
	return record, nil
}

// seed installs a record directly, bypassing creation-time rules.
func (f *fakeDB) seed(record db.DomainRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
}

// raw returns the stored record including removed ones.
func (f *fakeDB) raw(t *testing.T, id string) db.DomainRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	require.True(t, ok, "record %s not in store", id)
	return record
}

type stubEdge struct {
	mu          sync.Mutex
	registers   int
	unregisters []string

	// registerFn overrides the default success response; call is 1-based.
	registerFn    func(call int) (string, error)
	unregisterErr error
}

func (s *stubEdge) Register(_ context.Context, hostname, _ string) (string, error) {
	s.mu.Lock()
	s.registers++
	call := s.registers
	fn := s.registerFn
	s.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return "edge-" + hostname, nil
}

func (s *stubEdge) Unregister(_ context.Context, ref string) error {
	s.mu.Lock()
	s.unregisters = append(s.unregisters, ref)
	s.mu.Unlock()
	return s.unregisterErr
}

func (s *stubEdge) registerCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers
}

type stubDNS struct {
	mu      sync.Mutex
	creates int
	deletes []string

	createFn  func(call int) (string, error)
	deleteErr error
}

func (s *stubDNS) CreateProxiedRecord(_ context.Context, hostname, _, _ string) (string, error) {
	s.mu.Lock()
	s.creates++
	call := s.creates
	fn := s.createFn
	s.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return "dns-" + hostname, nil
}

func (s *stubDNS) DeleteRecord(_ context.Context, ref string) error {
	s.mu.Lock()
	s.deletes = append(s.deletes, ref)
	s.mu.Unlock()
	return s.deleteErr
}

func (s *stubDNS) ZoneStatus(_ context.Context, _ string) (clients.ZoneStatus, error) {
	return clients.ZoneActive, nil
}

func (s *stubDNS) createCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type stubChecker struct {
	mu     sync.Mutex
	checks int
	result verify.Result
	owned  bool

	// When block is non-nil, Check signals started and waits for block to
	// close before returning.
	block   chan struct{}
	started chan struct{}
}

func (s *stubChecker) Check(_ context.Context, _ string) verify.Result {
	s.mu.Lock()
	s.checks++
	s.mu.Unlock()

	if s.block != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
		<-s.block
	}
	return s.result
}

func (s *stubChecker) CheckOwnership(_ context.Context, _, _ string) bool {
	return s.owned
}

func (s *stubChecker) checkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func verified() *stubChecker {
	return &stubChecker{result: verify.Result{Verified: true, Reason: verify.ReasonHealthy}, owned: true}
}

func notPropagated() *stubChecker {
	return &stubChecker{result: verify.Result{Verified: false, Reason: verify.ReasonNotPropagated}, owned: true}
}

func newTestOrchestrator(t *testing.T, database db.Database, edge clients.EdgePlatform,
	dnsProvider clients.DNSProvider, checker Checker, cfg Config) *Orchestrator {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if cfg.TargetHost == "" {
		cfg.TargetHost = testTargetHost
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
		cfg.RetryCap = 5 * time.Millisecond
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(ctx, logrus.NewEntry(log), database, edge, dnsProvider, checker, cfg)
}

func TestAddDomainValidation(t *testing.T) {
	o := newTestOrchestrator(t, newFakeDB(), &stubEdge{}, &stubDNS{}, verified(), Config{})

	_, err := o.AddDomain("", "shop.example.com")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = o.AddDomain("t1", "not a hostname")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = o.AddDomain("t1", "*.example.com")
	assert.ErrorIs(t, err, ErrBadRequest)

	// The platform's own ingress host can never be attached as a custom domain.
	_, err = o.AddDomain("t1", strings.ToUpper(testTargetHost))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestAddDomainDrivesRecordToActive(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	dns := &stubDNS{}
	o := newTestOrchestrator(t, store, edge, dns, verified(), Config{})

	record, err := o.AddDomain("t1", "Shop.Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", record.Hostname)
	assert.Equal(t, model.LifecyclePending, record.LifecycleStatus)

	require.Eventually(t, func() bool {
		got, err := store.GetDomain(record.ID)
		return err == nil && got.LifecycleStatus == model.LifecycleActive
	}, 5*time.Second, 10*time.Millisecond)

	got := store.raw(t, record.ID)
	assert.Equal(t, model.SSLActive, got.SSLStatus)
	assert.Equal(t, "edge-shop.example.com", got.EdgePlatformRef)
	assert.Equal(t, "dns-shop.example.com", got.DNSProviderRef)
	assert.NotNil(t, got.LastVerifiedAt)
	assert.Empty(t, got.ErrorDetail)

	// One external resource each, no duplicates.
	assert.Equal(t, 1, edge.registerCalls())
	assert.Equal(t, 1, dns.createCalls())
}

func TestProcessSkipsExternalCallsWhenRefsPresent(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	dns := &stubDNS{}
	o := newTestOrchestrator(t, store, edge, dns, notPropagated(), Config{})

	// A restart can find a record mid-flight with both refs already written.
	store.seed(db.DomainRecord{
		ID:              "rec-crashed",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleProvisioning,
		SSLStatus:       model.SSLProvisioning,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now(),
	})

	o.Process("rec-crashed")

	got := store.raw(t, "rec-crashed")
	assert.Equal(t, model.LifecycleVerifying, got.LifecycleStatus)
	assert.Zero(t, edge.registerCalls())
	assert.Zero(t, dns.createCalls())
}

func TestRetryableFailureAdoptsExistingResource(t *testing.T) {
	store := newFakeDB()
	// First call fails after (as far as we know) creating the resource, the
	// retry learns it already exists and adopts it.
	edge := &stubEdge{registerFn: func(call int) (string, error) {
		if call == 1 {
			return "", clients.Retryable("registering hostname", errors.New("request timed out"))
		}
		return "", &clients.AlreadyExistsError{Ref: "edge-1"}
	}}
	dns := &stubDNS{}
	o := newTestOrchestrator(t, store, edge, dns, verified(), Config{})

	record, err := o.AddDomain("t1", "shop.example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetDomain(record.ID)
		return err == nil && got.LifecycleStatus == model.LifecycleActive
	}, 5*time.Second, 10*time.Millisecond)

	got := store.raw(t, record.ID)
	assert.Equal(t, "edge-1", got.EdgePlatformRef)
	assert.Equal(t, 2, edge.registerCalls())
	// The DNS record succeeded on the first pass and must not be re-created.
	assert.Equal(t, 1, dns.createCalls())
}

func TestFatalFailureFailsRecord(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{registerFn: func(int) (string, error) {
		return "", clients.Fatal("registering hostname", errors.New("hostname rejected by platform"))
	}}
	o := newTestOrchestrator(t, store, edge, &stubDNS{}, verified(), Config{})

	record, err := o.AddDomain("t1", "shop.example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.raw(t, record.ID).LifecycleStatus == model.LifecycleError
	}, 5*time.Second, 10*time.Millisecond)

	got := store.raw(t, record.ID)
	assert.Equal(t, model.SSLError, got.SSLStatus)
	assert.Contains(t, got.ErrorDetail, "hostname rejected by platform")
	assert.Equal(t, 1, edge.registerCalls())
}

func TestRetryBudgetExhausted(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{registerFn: func(int) (string, error) {
		return "", clients.Retryable("registering hostname", errors.New("upstream unavailable"))
	}}
	o := newTestOrchestrator(t, store, edge, &stubDNS{}, verified(), Config{
		MaxProvisionAttempts: 3,
	})

	record, err := o.AddDomain("t1", "shop.example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.raw(t, record.ID).LifecycleStatus == model.LifecycleError
	}, 5*time.Second, 10*time.Millisecond)

	got := store.raw(t, record.ID)
	assert.Contains(t, got.ErrorDetail, "retries exhausted")
	assert.Equal(t, 3, edge.registerCalls())
}

func TestPropagationDeadlineExceeded(t *testing.T) {
	store := newFakeDB()
	o := newTestOrchestrator(t, store, &stubEdge{}, &stubDNS{}, notPropagated(), Config{})

	store.seed(db.DomainRecord{
		ID:              "rec-stale",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleVerifying,
		SSLStatus:       model.SSLProvisioning,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now().Add(-49 * time.Hour),
	})

	record, result, err := o.VerifyNow("rec-stale")
	require.NoError(t, err)

	assert.False(t, result.Verified)
	assert.Equal(t, model.LifecycleError, record.LifecycleStatus)
	assert.Equal(t, model.SSLError, record.SSLStatus)
	assert.Equal(t, "propagation timeout", record.ErrorDetail)
}

func TestVerifyNotYetPropagatedStaysVerifying(t *testing.T) {
	store := newFakeDB()
	o := newTestOrchestrator(t, store, &stubEdge{}, &stubDNS{}, notPropagated(), Config{})

	store.seed(db.DomainRecord{
		ID:              "rec-waiting",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleVerifying,
		SSLStatus:       model.SSLProvisioning,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now(),
	})

	record, result, err := o.VerifyNow("rec-waiting")
	require.NoError(t, err)

	assert.False(t, result.Verified)
	assert.Equal(t, verify.ReasonNotPropagated, result.Reason)
	assert.Equal(t, model.LifecycleVerifying, record.LifecycleStatus)
	assert.NotNil(t, record.LastVerifiedAt)
}

func TestVerifyNowCoalescesConcurrentRequests(t *testing.T) {
	store := newFakeDB()
	checker := notPropagated()
	checker.block = make(chan struct{})
	checker.started = make(chan struct{}, 1)
	o := newTestOrchestrator(t, store, &stubEdge{}, &stubDNS{}, checker, Config{})

	store.seed(db.DomainRecord{
		ID:              "rec-hot",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleVerifying,
		SSLStatus:       model.SSLProvisioning,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _ = o.VerifyNow("rec-hot")
	}()
	<-checker.started
	go func() {
		defer wg.Done()
		_, _, _ = o.VerifyNow("rec-hot")
	}()

	// Give the second request time to join the in-flight check.
	time.Sleep(50 * time.Millisecond)
	close(checker.block)
	wg.Wait()

	assert.Equal(t, 1, checker.checkCalls())
}

func TestRemoveRetainsCleanupFailure(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	dns := &stubDNS{deleteErr: clients.Retryable("deleting dns record", errors.New("upstream unavailable"))}
	o := newTestOrchestrator(t, store, edge, dns, verified(), Config{})

	store.seed(db.DomainRecord{
		ID:              "rec-live",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleActive,
		SSLStatus:       model.SSLActive,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now(),
	})

	require.NoError(t, o.Remove("rec-live"))

	got := store.raw(t, "rec-live")
	assert.Equal(t, model.LifecycleRemoved, got.LifecycleStatus)
	assert.Equal(t, model.SSLNone, got.SSLStatus)
	// The edge side cleaned up, the DNS ref stays behind for operator followup.
	assert.Empty(t, got.EdgePlatformRef)
	assert.Equal(t, "dns-1", got.DNSProviderRef)
	assert.Contains(t, got.ErrorDetail, "cleanup incomplete")
	assert.Contains(t, got.ErrorDetail, "dns-1")

	assert.Equal(t, []string{"edge-1"}, edge.unregisters)

	// Removed records are gone from the API's point of view.
	_, err := store.GetDomain("rec-live")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRemoveCleanSuccess(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	dns := &stubDNS{}
	o := newTestOrchestrator(t, store, edge, dns, verified(), Config{})

	store.seed(db.DomainRecord{
		ID:              "rec-live",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecycleActive,
		SSLStatus:       model.SSLActive,
		EdgePlatformRef: "edge-1",
		DNSProviderRef:  "dns-1",
		CreatedAt:       time.Now(),
	})

	require.NoError(t, o.Remove("rec-live"))

	got := store.raw(t, "rec-live")
	assert.Equal(t, model.LifecycleRemoved, got.LifecycleStatus)
	assert.Empty(t, got.EdgePlatformRef)
	assert.Empty(t, got.DNSProviderRef)
	assert.Empty(t, got.ErrorDetail)
	assert.Equal(t, []string{"dns-1"}, dns.deletes)
}

func TestOwnershipProofGatesProvisioning(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	checker := verified()
	checker.owned = false
	o := newTestOrchestrator(t, store, edge, &stubDNS{}, checker, Config{
		RequireOwnershipProof: true,
	})

	record, err := o.AddDomain("t1", "shop.example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(store.raw(t, record.ID).ErrorDetail, "awaiting ownership proof")
	}, 5*time.Second, 10*time.Millisecond)

	got := store.raw(t, record.ID)
	assert.Equal(t, model.LifecyclePending, got.LifecycleStatus)
	assert.Zero(t, edge.registerCalls())
}

func TestSweepReadoptsInFlightRecords(t *testing.T) {
	store := newFakeDB()
	edge := &stubEdge{}
	dns := &stubDNS{}
	o := newTestOrchestrator(t, store, edge, dns, verified(), Config{})

	// Simulates a record left behind by a previous process.
	store.seed(db.DomainRecord{
		ID:              "rec-orphan",
		TenantID:        "t1",
		Hostname:        "shop.example.com",
		LifecycleStatus: model.LifecyclePending,
		SSLStatus:       model.SSLNone,
		CreatedAt:       time.Now(),
	})

	o.sweep()

	require.Eventually(t, func() bool {
		return store.raw(t, "rec-orphan").LifecycleStatus == model.LifecycleActive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, edge.registerCalls())
	assert.Equal(t, 1, dns.createCalls())
}

func TestBackoffDelayIsCapped(t *testing.T) {
	o := newTestOrchestrator(t, newFakeDB(), &stubEdge{}, &stubDNS{}, verified(), Config{
		RetryBase: 30 * time.Second,
		RetryCap:  10 * time.Minute,
	})

	assert.GreaterOrEqual(t, o.backoffDelay(1), 30*time.Second)
	assert.LessOrEqual(t, o.backoffDelay(1), 33*time.Second)

	// Jitter adds at most 10 percent above the cap.
	for attempt := 5; attempt <= 12; attempt++ {
		assert.LessOrEqual(t, o.backoffDelay(attempt), 11*time.Minute)
	}
}

func TestRecheckIntervalBacksOffWithAge(t *testing.T) {
	o := newTestOrchestrator(t, newFakeDB(), &stubEdge{}, &stubDNS{}, verified(), Config{})

	assert.Equal(t, 5*time.Minute, o.recheckInterval(10*time.Minute))
	assert.Equal(t, 15*time.Minute, o.recheckInterval(2*time.Hour))
	assert.Equal(t, 30*time.Minute, o.recheckInterval(12*time.Hour))
}
