// Package scheduler fires the daily posting batch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	cron "github.com/netresearch/go-cron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikequentel/wird/internal/logging"
	"github.com/mikequentel/wird/internal/model"
)

type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Poster runs the posting operation for one account.
type Poster interface {
	Post(ctx context.Context, accountID int64) (model.PostRecord, error)
}

// Store is the part of the store the batch reads.
type Store interface {
	VerseCount(ctx context.Context) (int, error)
	LinkedAccounts(ctx context.Context) ([]model.Account, error)
}

type Config struct {
	Hour, Minute int
	Location     *time.Location
	// Concurrency bounds parallel posts within one batch.
	Concurrency int
	// Timeout bounds each account's posting operation.
	Timeout time.Duration
}

// Report summarizes one batch.
type Report struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Skipped is set when the batch did not run at all.
	Skipped bool `json:"skipped"`
}

type Scheduler struct {
	store  Store
	poster Poster
	log    *zap.Logger

	expr        string
	loc         *time.Location
	concurrency int
	timeout     time.Duration

	cron  *cron.Cron
	state atomic.Int32
	runMu sync.Mutex
}

// Expr returns the five-field cron expression firing daily at hour:minute.
func Expr(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

func New(cfg Config, st Store, p Poster, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	expr := Expr(cfg.Hour, cfg.Minute)
	if cfg.Hour < 0 || cfg.Hour > 23 || cfg.Minute < 0 || cfg.Minute > 59 || !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid post time %02d:%02d", cfg.Hour, cfg.Minute)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Scheduler{
		store:       st,
		poster:      p,
		log:         log.Named("scheduler"),
		expr:        expr,
		loc:         cfg.Location,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
	}
	cl := logging.CronLogger{L: s.log}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	// A batch in progress runs to completion even if the scheduler stops.
	if _, err := s.cron.AddFunc(expr, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler started", zap.String("cron", s.expr), zap.Stringer("location", s.loc))
	s.cron.Start()
}

// Stop halts future fires. The returned context is done once a running
// batch has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// NextRun is the first fire time strictly after now.
func (s *Scheduler) NextRun(now time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, now.In(s.loc), false)
}

// RunOnce posts for every linked account. Failures are counted per account
// and never stop the batch.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.state.Store(int32(Running))
	defer s.state.Store(int32(Idle))

	start := time.Now()
	n, err := s.store.VerseCount(ctx)
	if err != nil {
		s.log.Error("counting verses", zap.Error(err))
		return Report{Skipped: true}
	}
	if n == 0 {
		s.log.Warn("verse store is empty, skipping batch")
		return Report{Skipped: true}
	}
	accounts, err := s.store.LinkedAccounts(ctx)
	if err != nil {
		s.log.Error("listing linked accounts", zap.Error(err))
		return Report{Skipped: true}
	}

	var ok, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, a := range accounts {
		g.Go(func() error {
			if err := s.postOne(ctx, a); err != nil {
				failed.Add(1)
				s.log.Warn("post failed",
					zap.Int64("account_id", a.ID),
					zap.String("username", a.Username),
					zap.Error(err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	g.Wait()

	r := Report{Attempted: len(accounts), Succeeded: int(ok.Load()), Failed: int(failed.Load())}
	s.log.Info("batch finished",
		zap.Int("attempted", r.Attempted),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Duration("took", time.Since(start)))
	return r
}

func (s *Scheduler) postOne(ctx context.Context, a model.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.poster.Post(ctx, a.ID)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", s.timeout, err)
	}
	return err
}
