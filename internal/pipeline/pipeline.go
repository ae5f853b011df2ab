// Package pipeline runs the per-asset status state machine:
// pending -> processing -> safe | flagged.
//
// Each asset gets at most one task, across every process sharing the store: a task runs
// under a lease claimed in the asset record and renewed while it ticks. A task advances
// progress one step per tick, publishes every step, persists on a coarser cadence and,
// on the last tick, asks the classifier for a verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/events"
	"pulse/internal/metrics"
)

// Config tunes task pacing. Zero fields take the DefaultConfig value.
type Config struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	Steps            int           `yaml:"steps"`
	PersistEvery     int           `yaml:"persist_every"`
	ClassifyAttempts int           `yaml:"classify_attempts"`
	ClassifyTimeout  time.Duration `yaml:"classify_timeout"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
}

// DefaultConfig is ten ticks of 10%, one second apart, persisted every 20 points.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		Steps:            10,
		PersistEvery:     20,
		ClassifyAttempts: 3,
		ClassifyTimeout:  5 * time.Second,
		LeaseTTL:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.Steps <= 0 {
		c.Steps = def.Steps
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = def.PersistEvery
	}
	if c.ClassifyAttempts <= 0 {
		c.ClassifyAttempts = def.ClassifyAttempts
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = def.ClassifyTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	// a lease must survive at least a couple of ticks between renewals
	if floor := 3 * c.TickInterval; c.LeaseTTL < floor {
		c.LeaseTTL = floor
	}
	return c
}

// step is the progress increment per tick, rounded up so Steps ticks always reach 100.
func (c Config) step() int {
	return (100 + c.Steps - 1) / c.Steps
}

// Store is the slice of the asset repository the pipeline writes through.
type Store interface {
	List(ctx context.Context, f asset.ListFilter) ([]*asset.Asset, error)
	Claim(ctx context.Context, id string, l asset.Lease, now time.Time) (*asset.Asset, error)
	Renew(ctx context.Context, id string, l asset.Lease) error
	Release(ctx context.Context, id, owner string) error
	UpdateState(ctx context.Context, id string, u asset.StateUpdate) error
}

// Locker hands out exclusive per-asset locks shared with delete.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Pipeline struct {
	store      Store
	classifier Classifier
	publisher  events.Publisher
	locks      Locker
	newTicker  TickerFunc
	now        func() time.Time
	owner      string
	cfg        Config
	log        *zap.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Pipeline)

// WithTicker replaces the tick source, mostly for tests.
func WithTicker(fn TickerFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newTicker = fn
		}
	}
}

// WithInstanceID sets the lease owner name. It defaults to a random UUID per Pipeline.
func WithInstanceID(id string) Option {
	return func(p *Pipeline) {
		if id != "" {
			p.owner = id
		}
	}
}

// WithClock replaces the wall clock used for lease deadlines.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

func New(store Store, classifier Classifier, publisher events.Publisher, locks Locker, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		classifier: classifier,
		publisher:  publisher,
		locks:      locks,
		newTicker:  NewTicker,
		now:        time.Now,
		owner:      uuid.NewString(),
		cfg:        cfg.withDefaults(),
		log:        zap.NewNop(),
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pipeline").With(zap.String("instance", p.owner))
	return p
}

// Start claims assetID's lease, moving it to processing, announces it and runs the rest
// of the task in the background. An asset already persisted as processing resumes from
// its saved progress once its previous lease is released or expired.
//
// It returns ErrAlreadyProcessing if a task for assetID is active here or holds a live
// lease elsewhere, ErrAlreadyFinished if the asset has a verdict and
// asset.ErrAssetNotFound if it does not exist.
func (p *Pipeline) Start(ctx context.Context, assetID string) error {
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if _, ok := p.tasks[assetID]; ok {
		p.mu.Unlock()
		cancel()
		metrics.PipelineDuplicateStarts.Inc()
		return ErrAlreadyProcessing
	}
	p.tasks[assetID] = t
	p.wg.Add(1)
	p.mu.Unlock()

	// The caller's ctx only bounds setup; the task itself outlives the request.
	stop := context.AfterFunc(ctx, cancel)
	progress, lease, err := p.begin(taskCtx, assetID)
	stop()
	if err != nil {
		p.finish(assetID, t)
		return err
	}

	go p.run(taskCtx, assetID, t, progress, lease)
	return nil
}

// begin claims the lease and publishes the processing state under the asset lock.
func (p *Pipeline) begin(ctx context.Context, assetID string) (int, asset.Lease, error) {
	release, err := p.locks.Lock(ctx, assetID)
	if err != nil {
		return 0, asset.Lease{}, err
	}
	defer release()

	now := p.now()
	lease := asset.Lease{Owner: p.owner, Until: now.Add(p.cfg.LeaseTTL)}
	a, err := p.store.Claim(ctx, assetID, lease, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			p.log.Debug("asset leased elsewhere", zap.String("asset_id", assetID))
		}
		return 0, asset.Lease{}, err
	}

	progress := a.Progress
	p.publisher.Publish(events.StatusChanged(assetID, asset.StatusProcessing, progress, ""))

	if progress > 0 {
		p.log.Info("resuming task", zap.String("asset_id", assetID), zap.Int("progress", progress))
	} else {
		p.log.Info("task started", zap.String("asset_id", assetID))
	}
	return progress, lease, nil
}

func (p *Pipeline) run(ctx context.Context, assetID string, t *task, progress int, lease asset.Lease) {
	defer p.finish(assetID, t)

	metrics.PipelineTasksActive.Inc()
	defer metrics.PipelineTasksActive.Dec()

	ticker := p.newTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	step := p.cfg.step()
	persisted := progress
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			p.cancelled(assetID, progress)
			return
		case <-ticker.C():
		}

		if lease.Until.Sub(p.now()) < p.cfg.LeaseTTL/2 {
			next := asset.Lease{Owner: p.owner, Until: p.now().Add(p.cfg.LeaseTTL)}
			err := p.store.Renew(ctx, assetID, next)
			switch {
			case err == nil:
				lease = next
			case ctx.Err() != nil:
				p.cancelled(assetID, progress)
				return
			case errors.Is(err, asset.ErrAssetNotFound):
				p.vanished(assetID)
				return
			case errors.Is(err, asset.ErrLeaseLost):
				p.lost(assetID, progress)
				return
			default:
				// the fenced writes below notice if the lease really lapsed
				p.log.Warn("renew lease failed", zap.String("asset_id", assetID), zap.Error(err))
			}
		}

		if progress+step < 100 {
			progress += step
			p.publisher.Publish(events.ProgressChanged(assetID, progress))

			if progress-persisted < p.cfg.PersistEvery {
				continue
			}
			err := p.persist(ctx, assetID, asset.StateUpdate{Status: asset.StatusProcessing, Progress: progress})
			switch {
			case err == nil:
				persisted = progress
			case ctx.Err() != nil:
				p.cancelled(assetID, progress)
				return
			case errors.Is(err, asset.ErrAssetNotFound):
				p.vanished(assetID)
				return
			case errors.Is(err, asset.ErrLeaseLost):
				p.lost(assetID, progress)
				return
			default:
				// Progress is advisory; the next persistence point retries.
				p.log.Warn("persist progress failed", zap.String("asset_id", assetID), zap.Int("progress", progress), zap.Error(err))
			}
			continue
		}

		attempts++
		verdict, err := p.classify(ctx, assetID)
		if err == nil {
			status := asset.StatusFlagged
			if verdict.Safe {
				status = asset.StatusSafe
			}
			p.complete(ctx, assetID, status, "")
			return
		}
		if ctx.Err() != nil {
			p.cancelled(assetID, progress)
			return
		}

		p.log.Warn("classification attempt failed",
			zap.String("asset_id", assetID),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", p.cfg.ClassifyAttempts),
			zap.Error(err))
		if attempts >= p.cfg.ClassifyAttempts {
			p.log.Error("giving up on classification, flagging asset", zap.String("asset_id", assetID), zap.Error(err))
			p.complete(ctx, assetID, asset.StatusFlagged, asset.ReasonClassificationFailed)
			return
		}
	}
}

// cancelled gives the lease back so the asset can be resumed without waiting for it to
// expire.
func (p *Pipeline) cancelled(assetID string, progress int) {
	p.log.Info("task cancelled", zap.String("asset_id", assetID), zap.Int("progress", progress))
	metrics.PipelineOutcomes.WithLabelValues("cancelled").Inc()
	p.releaseLease(assetID)
}

func (p *Pipeline) vanished(assetID string) {
	p.log.Info("asset vanished during processing", zap.String("asset_id", assetID))
	metrics.PipelineOutcomes.WithLabelValues("deleted").Inc()
}

func (p *Pipeline) lost(assetID string, progress int) {
	p.log.Warn("lease taken over by another worker, stopping task",
		zap.String("asset_id", assetID), zap.Int("progress", progress))
	metrics.PipelineOutcomes.WithLabelValues("lease_lost").Inc()
}

func (p *Pipeline) releaseLease(assetID string) {
	// the task ctx is already done; the asset lock may be held by a waiting delete
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, assetID, p.owner); err != nil {
		p.log.Warn("release lease failed", zap.String("asset_id", assetID), zap.Error(err))
	}
}

func (p *Pipeline) classify(ctx context.Context, assetID string) (Verdict, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()

	v, err := p.classifier.Classify(cctx, assetID)
	if err != nil {
		metrics.ClassifyAttempts.WithLabelValues("error").Inc()
		return Verdict{}, fmt.Errorf("%w: %w", ErrClassificationFailed, err)
	}
	metrics.ClassifyAttempts.WithLabelValues("ok").Inc()
	return v, nil
}

// complete persists the terminal state and then announces it.
func (p *Pipeline) complete(ctx context.Context, assetID string, status asset.Status, reason string) {
	err := p.persist(ctx, assetID, asset.StateUpdate{Status: status, Progress: 100, Reason: reason})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		p.cancelled(assetID, 100)
		return
	case errors.Is(err, asset.ErrAssetNotFound):
		metrics.PipelineOutcomes.WithLabelValues("deleted").Inc()
		return
	case errors.Is(err, asset.ErrLeaseLost):
		p.lost(assetID, 100)
		return
	default:
		p.log.Error("persist verdict failed", zap.String("asset_id", assetID), zap.String("status", string(status)), zap.Error(err))
		metrics.PipelineOutcomes.WithLabelValues("error").Inc()
		p.releaseLease(assetID)
		return
	}

	p.publisher.Publish(events.StatusChanged(assetID, status, 100, reason))

	outcome := string(status)
	if reason != "" {
		outcome = reason
	}
	metrics.PipelineOutcomes.WithLabelValues(outcome).Inc()
	p.log.Info("task finished", zap.String("asset_id", assetID), zap.String("status", string(status)))
}

// persist writes u under the asset lock, fenced by this pipeline's lease.
func (p *Pipeline) persist(ctx context.Context, assetID string, u asset.StateUpdate) error {
	release, err := p.locks.Lock(ctx, assetID)
	if err != nil {
		return err
	}
	defer release()
	u.Owner = p.owner
	return p.store.UpdateState(ctx, assetID, u)
}

func (p *Pipeline) finish(assetID string, t *task) {
	t.cancel()
	p.mu.Lock()
	if p.tasks[assetID] == t {
		delete(p.tasks, assetID)
	}
	p.mu.Unlock()
	close(t.done)
	p.wg.Done()
}

// Cancel stops the task for assetID, if any, and waits until it has exited. After Cancel
// returns the task will not write to the store again.
func (p *Pipeline) Cancel(assetID string) {
	p.mu.Lock()
	t, ok := p.tasks[assetID]
	p.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Active reports whether assetID has a running task.
func (p *Pipeline) Active(assetID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[assetID]
	return ok
}

func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Resume starts a task for every asset left pending or processing, typically after a
// restart. Assets leased by a live worker elsewhere are skipped. It returns how many
// tasks were started.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	stuck, err := p.store.List(ctx, asset.ListFilter{
		Statuses: []asset.Status{asset.StatusPending, asset.StatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished assets: %w", err)
	}

	started := 0
	for _, a := range stuck {
		if p.Active(a.ID) {
			continue
		}
		err := p.Start(ctx, a.ID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrAlreadyFinished), errors.Is(err, asset.ErrAssetNotFound):
		default:
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			p.log.Warn("resume failed", zap.String("asset_id", a.ID), zap.Error(err))
		}
	}
	if started > 0 {
		p.log.Info("resumed unfinished assets", zap.Int("count", started))
	}
	return started, nil
}

// Reclaim runs Resume every interval until ctx ends, picking up assets whose worker died
// without releasing its lease.
func (p *Pipeline) Reclaim(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := p.Resume(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("reclaim pass failed", zap.Error(err))
		}
	}
}

// Close cancels every task and waits for them to exit or for ctx to end. Start fails
// with ErrClosed afterwards.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for _, t := range p.tasks {
		t.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
