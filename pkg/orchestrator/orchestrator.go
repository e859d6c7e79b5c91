package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopkit/shopkit-domains/pkg/clients"
	"github.com/shopkit/shopkit-domains/pkg/db"
	"github.com/shopkit/shopkit-domains/pkg/model"
	"github.com/shopkit/shopkit-domains/pkg/rand"
	"github.com/shopkit/shopkit-domains/pkg/verify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrBadRequest wraps synchronous validation failures. No external call is
// made when it is returned.
var ErrBadRequest = errors.New("invalid request")

// Checker is the verification engine surface the orchestrator drives. It
// observes DNS and HTTP state without mutating it.
type Checker interface {
	Check(ctx context.Context, hostname string) verify.Result
	CheckOwnership(ctx context.Context, hostname, token string) bool
}

const (
	verificationTokenLength = 32
	detailPropagationExpiry = "propagation timeout"

	callKindEdgeRegister = "edge-register"
	callKindDNSCreate    = "dns-create"
)

type Config struct {
	// TargetHost is the platform's canonical ingress hostname that proxied
	// records point at.
	TargetHost string

	RetryBase            time.Duration
	RetryCap             time.Duration
	MaxProvisionAttempts int
	VerifyDeadline       time.Duration
	CallTimeout          time.Duration
	SweepInterval        time.Duration
	Workers              int

	// RequireOwnershipProof gates provisioning on the tenant publishing the
	// verification token as a TXT record.
	RequireOwnershipProof bool
}

func (c Config) withDefaults() Config {
	if c.RetryBase == 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = 10 * time.Minute
	}
	if c.MaxProvisionAttempts == 0 {
		c.MaxProvisionAttempts = 10
	}
	if c.VerifyDeadline == 0 {
		c.VerifyDeadline = 48 * time.Hour
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	return c
}

// Orchestrator drives each domain record through
// pending -> provisioning -> verifying -> active, keeping the store
// consistent with what the edge platform and DNS provider actually did.
type Orchestrator struct {
	ctx      context.Context
	db       db.Database
	edge     clients.EdgePlatform
	dns      clients.DNSProvider
	verifier Checker
	cfg      Config
	log      *logrus.Entry

	locks *keyedMutex
	group singleflight.Group
	sched *schedule
	sem   chan struct{}
}

func New(ctx context.Context, log *logrus.Entry, database db.Database, edge clients.EdgePlatform,
	dnsProvider clients.DNSProvider, verifier Checker, cfg Config) *Orchestrator {
	o := &Orchestrator{
		ctx:      ctx,
		db:       database,
		edge:     edge,
		dns:      dnsProvider,
		verifier: verifier,
		cfg:      cfg.withDefaults(),
		log:      log,
		locks:    newKeyedMutex(),
		sched:    newSchedule(),
	}
	o.sem = make(chan struct{}, o.cfg.Workers)

	go func() {
		<-ctx.Done()
		o.sched.CancelAll()
	}()

	return o
}

// AddDomain validates and creates a new record in pending state, then kicks
// off provisioning asynchronously.
func (o *Orchestrator) AddDomain(tenantID, hostname string) (db.DomainRecord, error) {
	if tenantID == "" {
		return db.DomainRecord{}, fmt.Errorf("%w: tenant id must be provided", ErrBadRequest)
	}

	hostname = model.NormalizeHostname(hostname)
	if err := model.ValidateHostname(hostname); err != nil {
		return db.DomainRecord{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if hostname == model.NormalizeHostname(o.cfg.TargetHost) {
		return db.DomainRecord{}, fmt.Errorf("%w: hostname conflicts with the platform ingress host", ErrBadRequest)
	}

	record, err := o.db.CreateDomain(tenantID, hostname, rand.StringWithAll(verificationTokenLength))
	if err != nil {
		return db.DomainRecord{}, err
	}

	o.log.WithFields(logrus.Fields{"id": record.ID, "hostname": hostname, "tenant": tenantID}).
		Info("created domain record")

	o.enqueueProcess(record.ID, 0)
	return record, nil
}

func (o *Orchestrator) GetDomain(id string) (db.DomainRecord, error) {
	return o.db.GetDomain(id)
}

func (o *Orchestrator) ListByTenant(tenantID string) ([]db.DomainRecord, error) {
	return o.db.ListByTenant(tenantID)
}

// Process runs one provisioning cycle for the record, serialized on its id.
// It is a no-op for records that have already settled.
func (o *Orchestrator) Process(id string) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	record, err := o.db.GetDomain(id)
	if err != nil {
		// Removed or gone; nothing to drive.
		return
	}

	switch record.LifecycleStatus {
	case model.LifecyclePending:
		o.provision(record)
	case model.LifecycleProvisioning:
		o.advanceToVerifying(record)
	case model.LifecycleVerifying:
		if !o.sched.Has(id) {
			o.scheduleVerify(id, 0)
		}
	}
}

// VerifyNow runs verification immediately, bypassing the timer. A request
// arriving while a check for the same record is in flight returns the
// in-flight result instead of issuing a duplicate probe.
func (o *Orchestrator) VerifyNow(id string) (db.DomainRecord, verify.Result, error) {
	out, err, _ := o.group.Do(id, func() (interface{}, error) {
		return o.runVerification(id)
	})
	if err != nil {
		return db.DomainRecord{}, verify.Result{}, err
	}
	outcome := out.(verifyOutcome)
	return outcome.record, outcome.result, nil
}

// Remove tears a record down: cancel scheduled work, best-effort external
// cleanup, then mark removed regardless of cleanup outcome. Cleanup failures
// are retained in error_detail for operator follow-up.
func (o *Orchestrator) Remove(id string) error {
	o.sched.Cancel(id)

	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	record, err := o.db.GetDomain(id)
	if err != nil {
		return err
	}

	fields := db.Fields{
		LifecycleStatus: lifecyclePtr(model.LifecycleRemoved),
		SSLStatus:       sslPtr(model.SSLNone),
	}

	var cleanupFailures []string
	if record.EdgePlatformRef != "" {
		ctx, cancel := o.callCtx()
		err := o.edge.Unregister(ctx, record.EdgePlatformRef)
		cancel()
		if err != nil {
			o.log.WithError(err).WithField("id", id).Warn("edge cleanup failed during removal")
			cleanupFailures = append(cleanupFailures,
				fmt.Sprintf("edge unregister failed for ref %s: %v", record.EdgePlatformRef, err))
		} else {
			fields.EdgePlatformRef = strPtr("")
		}
	}
	if record.DNSProviderRef != "" {
		ctx, cancel := o.callCtx()
		err := o.dns.DeleteRecord(ctx, record.DNSProviderRef)
		cancel()
		if err != nil {
			o.log.WithError(err).WithField("id", id).Warn("dns cleanup failed during removal")
			cleanupFailures = append(cleanupFailures,
				fmt.Sprintf("dns delete failed for ref %s: %v", record.DNSProviderRef, err))
		} else {
			fields.DNSProviderRef = strPtr("")
		}
	}

	if len(cleanupFailures) > 0 {
		fields.ErrorDetail = strPtr("cleanup incomplete: " + strings.Join(cleanupFailures, "; "))
	} else {
		fields.ErrorDetail = strPtr("")
	}

	_, err = o.db.UpdateStatus(id, fields)
	if err != nil {
		return err
	}

	o.log.WithField("id", id).Info("removed domain record")
	return nil
}

// StartSweeper periodically re-adopts in-flight records that have no pending
// timer, which catches up scheduled work after a restart.
func (o *Orchestrator) StartSweeper(stopCh <-chan struct{}) {
	o.log.Infof("starting sweep daemon. Sweep interval: %v", o.cfg.SweepInterval)
	wait.JitterUntil(o.sweep, o.cfg.SweepInterval, .002, true, stopCh)
}

func (o *Orchestrator) sweep() {
	records, err := o.db.ListInFlight()
	if err != nil {
		o.log.WithError(err).Error("sweep could not list in-flight records")
		return
	}

	for _, record := range records {
		if o.sched.Has(record.ID) {
			continue
		}
		switch record.LifecycleStatus {
		case model.LifecyclePending, model.LifecycleProvisioning:
			o.enqueueProcess(record.ID, 0)
		case model.LifecycleVerifying:
			o.scheduleVerify(record.ID, o.verifyDelay(record))
		}
	}
}

// verifyDelay computes how long until the record's next re-check is due.
func (o *Orchestrator) verifyDelay(record db.DomainRecord) time.Duration {
	if record.LastVerifiedAt == nil {
		return 0
	}
	due := record.LastVerifiedAt.Add(o.recheckInterval(time.Since(record.CreatedAt)))
	if d := time.Until(due); d > 0 {
		return d
	}
	return 0
}

// provision drives pending -> provisioning. The edge and DNS registrations
// are independent, idempotent and separately retryable. A success on one
// side is never rolled back because the other failed.
func (o *Orchestrator) provision(record db.DomainRecord) {
	log := o.log.WithFields(logrus.Fields{"id": record.ID, "hostname": record.Hostname})

	if o.cfg.RequireOwnershipProof && !o.ownershipProven(record) {
		if time.Since(record.CreatedAt) > o.cfg.VerifyDeadline {
			o.fail(record.ID, "ownership proof timeout")
			return
		}
		o.updateQuietly(record.ID, db.Fields{
			ErrorDetail: strPtr("awaiting ownership proof: publish the verification token as a TXT record"),
		})
		o.enqueueProcess(record.ID, wait.Jitter(5*time.Minute, 0.1))
		return
	}

	edgeRef, dnsRef := record.EdgePlatformRef, record.DNSProviderRef
	var edgeErr, dnsErr error

	var g errgroup.Group
	if edgeRef == "" {
		g.Go(func() error {
			ctx, cancel := o.callCtx()
			defer cancel()
			ref, err := o.edge.Register(ctx, record.Hostname, idempotencyKey(record.ID, callKindEdgeRegister))
			if adopted, ok := clients.AdoptableRef(err); ok {
				ref, err = adopted, nil
			}
			edgeRef, edgeErr = ref, err
			return nil
		})
	}
	if dnsRef == "" {
		g.Go(func() error {
			ctx, cancel := o.callCtx()
			defer cancel()
			ref, err := o.dns.CreateProxiedRecord(ctx, record.Hostname, o.cfg.TargetHost, idempotencyKey(record.ID, callKindDNSCreate))
			if adopted, ok := clients.AdoptableRef(err); ok {
				ref, err = adopted, nil
			}
			dnsRef, dnsErr = ref, err
			return nil
		})
	}
	_ = g.Wait()

	// Persist whichever refs we now hold before looking at failures, so a
	// later retry adopts them instead of re-creating external resources.
	refFields := db.Fields{}
	if edgeRef != "" && edgeRef != record.EdgePlatformRef {
		refFields.EdgePlatformRef = &edgeRef
	}
	if dnsRef != "" && dnsRef != record.DNSProviderRef {
		refFields.DNSProviderRef = &dnsRef
	}
	if refFields.EdgePlatformRef != nil || refFields.DNSProviderRef != nil {
		o.updateQuietly(record.ID, refFields)
	}

	if edgeErr != nil || dnsErr != nil {
		firstErr := edgeErr
		if firstErr == nil {
			firstErr = dnsErr
		}

		if clients.IsFatal(edgeErr) || clients.IsFatal(dnsErr) {
			log.WithError(firstErr).Error("provisioning failed fatally")
			o.fail(record.ID, firstErr.Error())
			return
		}

		attempts := record.Attempts + 1
		if attempts >= o.cfg.MaxProvisionAttempts {
			log.WithError(firstErr).Error("provisioning retry budget exhausted")
			o.fail(record.ID, fmt.Sprintf("provisioning retries exhausted: %v", firstErr))
			return
		}

		delay := o.backoffDelay(attempts)
		log.WithError(firstErr).WithFields(logrus.Fields{"attempt": attempts, "retryIn": delay}).
			Warn("provisioning hit retryable failure")
		o.updateQuietly(record.ID, db.Fields{
			Attempts:    &attempts,
			ErrorDetail: strPtr(fmt.Sprintf("provisioning in progress (attempt %d of %d)", attempts, o.cfg.MaxProvisionAttempts)),
		})
		o.enqueueProcess(record.ID, delay)
		return
	}

	if _, err := o.db.UpdateStatus(record.ID, db.Fields{
		LifecycleStatus: lifecyclePtr(model.LifecycleProvisioning),
		SSLStatus:       sslPtr(model.SSLProvisioning),
		ErrorDetail:     strPtr(""),
	}); err != nil {
		log.WithError(err).Error("could not mark record provisioning")
		return
	}

	log.Info("provisioned with edge platform and dns provider")
	o.enqueueProcess(record.ID, 0)
}

// advanceToVerifying is the free transition once both external refs are
// present. No external call is made.
func (o *Orchestrator) advanceToVerifying(record db.DomainRecord) {
	if record.EdgePlatformRef == "" || record.DNSProviderRef == "" {
		// A crash between the external call and the status write can leave
		// a provisioning record without both refs; finish the job.
		o.provision(record)
		return
	}

	if _, err := o.db.UpdateStatus(record.ID, db.Fields{
		LifecycleStatus: lifecyclePtr(model.LifecycleVerifying),
	}); err != nil {
		o.log.WithError(err).WithField("id", record.ID).Error("could not mark record verifying")
		return
	}
	o.scheduleVerify(record.ID, 0)
}

type verifyOutcome struct {
	record db.DomainRecord
	result verify.Result
}

func (o *Orchestrator) runVerification(id string) (interface{}, error) {
	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	record, err := o.db.GetDomain(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := o.callCtx()
	result := o.verifier.Check(ctx, record.Hostname)
	cancel()

	if record.LifecycleStatus != model.LifecycleVerifying {
		// Informational check only; the state machine is not in a position
		// to act on the outcome.
		return verifyOutcome{record: record, result: result}, nil
	}

	now := time.Now()
	log := o.log.WithFields(logrus.Fields{"id": id, "hostname": record.Hostname})

	switch {
	case result.Verified:
		record, err = o.db.UpdateStatus(id, db.Fields{
			LifecycleStatus: lifecyclePtr(model.LifecycleActive),
			SSLStatus:       sslPtr(model.SSLActive),
			LastVerifiedAt:  &now,
			ErrorDetail:     strPtr(""),
		})
		if err == nil {
			log.WithField("reason", result.Reason).Info("domain is active")
			o.sched.Cancel(id)
		}

	case now.Sub(record.CreatedAt) > o.cfg.VerifyDeadline:
		log.Warn("propagation deadline exceeded")
		record, err = o.db.UpdateStatus(id, db.Fields{
			LifecycleStatus: lifecyclePtr(model.LifecycleError),
			SSLStatus:       sslPtr(model.SSLError),
			LastVerifiedAt:  &now,
			ErrorDetail:     strPtr(detailPropagationExpiry),
		})
		if err == nil {
			o.sched.Cancel(id)
		}

	default:
		record, err = o.db.UpdateStatus(id, db.Fields{
			LastVerifiedAt: &now,
			ErrorDetail:    strPtr(result.Reason),
		})
		o.scheduleVerify(id, o.recheckInterval(now.Sub(record.CreatedAt)))
	}

	if err != nil {
		return nil, err
	}
	return verifyOutcome{record: record, result: result}, nil
}

func (o *Orchestrator) ownershipProven(record db.DomainRecord) bool {
	ctx, cancel := o.callCtx()
	defer cancel()
	return o.verifier.CheckOwnership(ctx, record.Hostname, record.VerificationToken)
}

// fail moves a record to the terminal error state with a stored reason.
func (o *Orchestrator) fail(id, detail string) {
	o.sched.Cancel(id)
	o.updateQuietly(id, db.Fields{
		LifecycleStatus: lifecyclePtr(model.LifecycleError),
		SSLStatus:       sslPtr(model.SSLError),
		ErrorDetail:     &detail,
	})
}

// updateQuietly applies a partial update where a failure only merits a log
// line; the sweeper re-drives any record whose write was lost.
func (o *Orchestrator) updateQuietly(id string, fields db.Fields) {
	if _, err := o.db.UpdateStatus(id, fields); err != nil {
		o.log.WithError(err).WithField("id", id).Error("status update failed")
	}
}

func (o *Orchestrator) enqueueProcess(id string, delay time.Duration) {
	o.sched.After(id, delay, func() {
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		o.Process(id)
	})
}

func (o *Orchestrator) scheduleVerify(id string, delay time.Duration) {
	o.sched.After(id, delay, func() {
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		_, _, _ = o.VerifyNow(id)
	})
}

// backoffDelay is jittered exponential backoff over the attempt count.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	d := o.cfg.RetryBase
	for i := 1; i < attempt && d < o.cfg.RetryCap; i++ {
		d *= 2
	}
	if d > o.cfg.RetryCap {
		d = o.cfg.RetryCap
	}
	return wait.Jitter(d, 0.1)
}

// recheckInterval backs off as the record ages, easing load on the public
// resolver and the health endpoint over a long propagation wait.
func (o *Orchestrator) recheckInterval(age time.Duration) time.Duration {
	switch {
	case age < time.Hour:
		return 5 * time.Minute
	case age < 6*time.Hour:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func (o *Orchestrator) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(o.ctx, o.cfg.CallTimeout)
}

func idempotencyKey(id, kind string) string {
	return id + ":" + kind
}

func strPtr(s string) *string {
	return &s
}

func lifecyclePtr(s model.LifecycleStatus) *model.LifecycleStatus {
	return &s
}

func sslPtr(s model.SSLStatus) *model.SSLStatus {
	return &s
}
