package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// leaderLockName keeps a single sweeper active across instances.
const leaderLockName = "sweeper:leader"

const (
	DefaultSweepSpec    = "@every 10m"
	DefaultSweepBatch   = 500
	DefaultSweepLockTTL = 5 * time.Minute
	defaultMaxBatches   = 100
)

type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, name, token string) error
}

type SweeperConfig struct {
	Spec    string
	Batch   int
	LockTTL time.Duration
}

// Sweeper periodically removes bookings past their retention window.
type Sweeper struct {
	ledger Expirer
	locker Locker
	cfg    SweeperConfig
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

// NewSweeper builds a sweeper. A nil locker means every instance sweeps; the ledger
// tolerates that, it only costs duplicate work.
func NewSweeper(ledger Expirer, locker Locker, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSweepSpec
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultSweepBatch
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultSweepLockTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		ledger: ledger,
		locker: locker,
		cfg:    cfg,
		log:    log.With(slog.String("component", "sweeper")),
		now:    time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.tick(s.runCtx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweeper %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("sweeper started", slog.String("spec", s.cfg.Spec), slog.Int("batch", s.cfg.Batch))
	return nil
}

// Stop cancels any in-flight sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	removed, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Warn("sweep failed", slog.Any("err", err), slog.Int("removed", removed))
		return
	}
	if removed > 0 {
		s.log.Info("expired bookings removed", slog.Int("removed", removed))
	}
}

// RunOnce sweeps until a batch comes back short. It returns zero without sweeping
// when another instance holds the leader lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.locker != nil {
		acquired, token, err := s.locker.TryLock(ctx, leaderLockName, s.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("leader lock: %w", err)
		}
		if !acquired {
			s.log.Debug("leader lock not acquired; another instance is sweeping")
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), leaderLockName, token); err != nil {
				s.log.Warn("leader unlock failed", slog.Any("err", err))
			}
		}()
	}

	now := s.now()
	total := 0
	for i := 0; i < defaultMaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.ledger.DeleteExpired(ctx, now, s.cfg.Batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.cfg.Batch {
			break
		}
	}
	return total, nil
}
