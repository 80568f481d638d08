package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/stellar-lumens/lumens-supply/pkg/types"
)

// ErrInProgress is returned by RunOnce when another run has not finished.
var ErrInProgress = errors.New("refresh already in progress")

// DefaultSchedule matches the ten minute refresh of the public lumens API.
const DefaultSchedule = "@every 10m"

type Computer interface {
	ComputeSnapshot(ctx context.Context) (*types.Snapshot, error)
}

type Publisher interface {
	Publish(s *types.Snapshot) error
}

type Options struct {
	// Schedule is a robfig/cron spec. Empty means DefaultSchedule.
	Schedule string
	// Timeout bounds one aggregation run. Zero means no bound.
	Timeout time.Duration
}

// Refresher recomputes the supply snapshot on a schedule and publishes it.
// A failed run is logged and leaves the published snapshot untouched.
type Refresher struct {
	comp    Computer
	pub     Publisher
	opt     Options
	cron    *cron.Cron
	running *atomic.Bool
	first   sync.WaitGroup
	stop    sync.Once
	log     zerolog.Logger
}

func New(comp Computer, pub Publisher, opt Options, log zerolog.Logger) *Refresher {
	if opt.Schedule == "" {
		opt.Schedule = DefaultSchedule
	}
	log = log.With().Str("component", "refresh").Logger()
	cl := cronLogger{log}
	return &Refresher{
		comp:    comp,
		pub:     pub,
		opt:     opt,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		running: atomic.NewBool(false),
		log:     log,
	}
}

// Start runs one refresh immediately in the background and then on every
// schedule tick until ctx is done or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.opt.Schedule, func() { r.tick(ctx) }); err != nil {
		return errors.Wrapf(err, "register refresh schedule %q", r.opt.Schedule)
	}
	r.cron.Start()
	r.log.Info().Str("schedule", r.opt.Schedule).Msg("refresher started")
	r.first.Add(1)
	go func() {
		defer r.first.Done()
		r.tick(ctx)
	}()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for running jobs, including the initial
// run, to return.
func (r *Refresher) Stop() {
	r.stop.Do(func() {
		<-r.cron.Stop().Done()
		r.first.Wait()
		r.log.Info().Msg("refresher stopped")
	})
}

func (r *Refresher) tick(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrInProgress) {
		r.log.Error().Err(err).Msg("refresh failed, keeping previous snapshot")
	}
}

// RunOnce performs one aggregation run and publishes the result. Overlapping
// calls return ErrInProgress without doing any work.
func (r *Refresher) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Warn().Msg("previous refresh still running, skipping")
		return ErrInProgress
	}
	defer r.running.Store(false)

	if r.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opt.Timeout)
		defer cancel()
	}

	start := time.Now()
	r.log.Debug().Msg("refresh running")
	snap, err := r.comp.ComputeSnapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "compute snapshot")
	}
	if err := r.pub.Publish(snap); err != nil {
		return errors.Wrap(err, "publish snapshot")
	}
	r.log.Info().
		Int64("ledger", snap.LedgerSequence).
		Str("total_supply", snap.TotalSupply.String()).
		Str("circulating_supply", snap.Circulating.String()).
		Dur("took", time.Since(start)).
		Msg("lumens data saved")
	return nil
}

// Running reports whether a run is in progress.
func (r *Refresher) Running() bool { return r.running.Load() }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
