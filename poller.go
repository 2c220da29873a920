package simpleaction

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	applog "github.com/tendant/simple-action/internal/log"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultLeaseTimeout = 5 * time.Minute
	DefaultBatchSize    = 100
	DefaultConcurrency  = 10

	// storeTimeout bounds each state write once a dispatch has started, so a
	// shutdown still lets the outcome be recorded.
	storeTimeout = 10 * time.Second
)

// PollerConfig configures the claim scheduler
type PollerConfig struct {
	PollInterval time.Duration // Poll interval (default: 60s)
	LeaseTimeout time.Duration // Claims older than this are reclaimable (default: 5m)
	BatchSize    int           // Max attempts claimed per cycle (default: 100)
	Concurrency  int           // Max parallel dispatches per cycle (default: 10)
	WorkerID     string        // Poller identifier (default: "simple-action-<random>")
	Clock        Clock         // default: SystemClock
	Logger       logrus.FieldLogger
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Released  int // orphaned claims returned to pending (or failed)
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Skipped   int // lost claims and resolutions superseded by a status callback
	Returned  int // claims handed back undispatched because the poller is shutting down
}

// Poller claims eligible attempts and runs them through the dispatcher and resolver.
// Pollers share nothing in process; any number may run against one Store.
type Poller struct {
	store        Store
	dispatcher   *Dispatcher
	resolver     *Resolver
	clock        Clock
	log          logrus.FieldLogger
	pollInterval time.Duration
	leaseTimeout time.Duration
	batchSize    int
	concurrency  int
	workerID     string
	metrics      MetricsCollector // Optional: metrics collector for observability

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a poller for store
func NewPoller(store Store, dispatcher *Dispatcher, resolver *Resolver, config PollerConfig) *Poller {
	// Set defaults
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = DefaultLeaseTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.WorkerID == "" {
		config.WorkerID = "simple-action-" + uuid.NewString()[:8]
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = applog.GetLogger()
	}

	return &Poller{
		store:        store,
		dispatcher:   dispatcher,
		resolver:     resolver,
		clock:        config.Clock,
		log:          config.Logger.WithField("worker_id", config.WorkerID),
		pollInterval: config.PollInterval,
		leaseTimeout: config.LeaseTimeout,
		batchSize:    config.BatchSize,
		concurrency:  config.Concurrency,
		workerID:     config.WorkerID,
		stopCh:       make(chan struct{}),
	}
}

// SetMetrics sets the metrics collector (optional, pass nil to disable metrics)
func (p *Poller) SetMetrics(m MetricsCollector) {
	p.metrics = m
}

// WorkerID returns the poller's identifier
func (p *Poller) WorkerID() string {
	return p.workerID
}

// Start runs a poll cycle right away and then every PollInterval until ctx is
// cancelled or Stop is called. Cycles never overlap, and Start returns only after
// the running cycle has recorded its outcomes.
func (p *Poller) Start(ctx context.Context) {
	cronLog := cron.PrintfLogger(p.log)
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).
		Then(cron.FuncJob(func() {
			if _, err := p.RunOnce(ctx); err != nil {
				p.log.WithError(err).Error("poll cycle failed")
			}
		}))
	c := cron.New(cron.WithLogger(cronLog))
	c.Schedule(cron.Every(p.pollInterval), job)
	c.Start()

	p.log.WithFields(logrus.Fields{
		"interval": p.pollInterval,
		"lease":    p.leaseTimeout,
		"batch":    p.batchSize,
	}).Info("action poller started")

	// cron's first tick is a full interval away
	job.Run()

	select {
	case <-ctx.Done():
	case <-p.stopCh:
	}

	<-c.Stop().Done()
	p.log.Info("action poller stopped")
}

// Stop stops the poller
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// RunOnce executes one poll cycle: release expired claims, claim a batch, dispatch
// and resolve each claimed attempt. Only store failures while releasing or claiming
// are returned; per-attempt failures are recorded on the attempt.
func (p *Poller) RunOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	if p.metrics != nil {
		p.metrics.RecordPollCycle(p.workerID)
	}

	released, err := p.releaseExpired(ctx)
	result.Released = released
	if err != nil {
		p.recordPollError(err)
		return result, err
	}

	owner := p.workerID + ":" + uuid.NewString()
	handles, err := p.store.ClaimBatch(ctx, ClaimRequest{
		Now:   p.clock.Now(),
		Limit: p.batchSize,
		Owner: owner,
	})
	// a claim error may still have claimed a prefix of the batch; dispatch it
	result.Claimed = len(handles)
	if err != nil {
		p.recordPollError(err)
		p.log.WithError(err).Error("failed to claim attempts")
	}
	if len(handles) > 0 {
		p.log.WithField("count", len(handles)).Debug("claimed attempts")
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, h := range handles {
		if p.metrics != nil {
			p.metrics.RecordAttemptClaimed(h.Attempt.WorkflowID, p.workerID)
		}
		g.Go(func() error {
			status := p.process(ctx, h)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case StatusCompleted:
				result.Completed++
			case StatusPending:
				result.Retried++
			case StatusFailed:
				result.Failed++
			case StatusClaimed:
				result.Returned++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	p.updateQueueDepth(ctx)
	return result, err
}

// process dispatches one claimed attempt and resolves the outcome. It returns the
// resulting status, StatusClaimed when the claim was handed back before dispatch,
// or "" when the attempt was skipped.
//
// Cancelling ctx stops new dispatches only. A call already sent runs to its own
// timeout and its outcome is recorded.
func (p *Poller) process(ctx context.Context, h AttemptHandle) Status {
	entry := p.log.WithFields(logrus.Fields{
		"attempt_id":  h.Attempt.ID,
		"workflow_id": h.Attempt.WorkflowID,
		"action_id":   h.Attempt.ActionID,
	})

	if err := p.dispatcher.Acquire(ctx); err != nil {
		return p.unclaim(ctx, h, entry)
	}

	beginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	a, err := p.dispatcher.Begin(beginCtx, h)
	cancel()
	if errors.Is(err, ErrConflict) {
		entry.Debug("claim lost before dispatch")
		return ""
	}
	if err != nil {
		// left claimed; the lease timeout hands it to the next cycle
		entry.WithError(err).Error("failed to start dispatch")
		return ""
	}

	start := time.Now()
	dispatchErr := p.dispatcher.Invoke(context.WithoutCancel(ctx), a)
	duration := time.Since(start)

	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	resolved, err := p.resolver.Resolve(resolveCtx, a, h.Token, dispatchErr)
	if errors.Is(err, ErrConflict) {
		entry.Info("outcome superseded by status callback or reclaim")
		return ""
	}
	if err != nil {
		entry.WithError(err).Error("failed to record dispatch outcome")
		return ""
	}

	if p.metrics != nil {
		p.metrics.RecordAttemptResolved(resolved.WorkflowID, p.workerID, string(resolved.Status), duration)
		switch resolved.Status {
		case StatusPending:
			p.metrics.RecordRetryScheduled(resolved.WorkflowID, p.workerID, resolved.AttemptCount)
		case StatusFailed:
			p.metrics.RecordAttemptDeadletter(resolved.WorkflowID, p.workerID)
		}
	}
	return resolved.Status
}

// unclaim returns an undispatched claim to pending. If that write fails the row
// stays claimed and the lease timeout recovers it.
func (p *Poller) unclaim(ctx context.Context, h AttemptHandle, entry *logrus.Entry) Status {
	unclaimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if _, err := p.dispatcher.Unclaim(unclaimCtx, h); err != nil {
		if !errors.Is(err, ErrConflict) {
			entry.WithError(err).Warn("failed to hand back claim; lease recovery will pick it up")
		}
		return ""
	}
	entry.Debug("shutting down; claim handed back")
	return StatusClaimed
}

// releaseExpired returns claims older than the lease timeout to pending. Rows
// released concurrently by another poller are skipped.
func (p *Poller) releaseExpired(ctx context.Context) (int, error) {
	cutoff := p.clock.Now().Add(-p.leaseTimeout)
	expired, err := p.store.ListExpiredClaims(ctx, cutoff, p.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, a := range expired {
		updated, err := p.resolver.Release(ctx, a)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			p.log.WithError(err).WithField("attempt_id", a.ID).Error("failed to release expired claim")
			continue
		}
		released++
		p.log.WithFields(logrus.Fields{
			"attempt_id": a.ID,
			"from":       a.Status,
			"to":         updated.Status,
		}).Warn("reclaimed expired lease")
		if p.metrics != nil {
			p.metrics.RecordLeaseReclaimed(p.workerID, string(a.Status))
			if updated.Status == StatusFailed {
				p.metrics.RecordAttemptDeadletter(updated.WorkflowID, p.workerID)
			}
		}
	}
	return released, nil
}

// updateQueueDepth refreshes the per-status gauges
func (p *Poller) updateQueueDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	for _, status := range []Status{StatusPending, StatusClaimed, StatusDispatching, StatusFailed} {
		n, err := p.store.CountByStatus(ctx, status)
		if err == nil {
			p.metrics.RecordQueueDepth(string(status), n)
		}
	}
}

func (p *Poller) recordPollError(err error) {
	if p.metrics != nil {
		p.metrics.RecordPollError(p.workerID, classifyError(err))
	}
}

// classifyError categorizes errors for metrics tracking
func classifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return "db_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
