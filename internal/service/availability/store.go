package availability

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 30 * time.Second
)

// CacheConfig sizes the weekday template cache. A non-positive Size disables it.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

type templateKey struct {
	doctorID string
	weekday  domain.Weekday
}

// Store owns doctors' weekly templates and projects them onto calendar dates.
type Store struct {
	repo       store.AvailabilityRepository
	slotLength time.Duration
	cache      *expirable.LRU[templateKey, domain.Template]
	log        *slog.Logger

	// generations counts invalidations per key. A read only fills the cache when no
	// invalidation happened between its start and its completion.
	mu          sync.Mutex
	generations map[templateKey]uint64
}

func NewStore(repo store.AvailabilityRepository, slotLength time.Duration, cacheCfg CacheConfig, log *slog.Logger) *Store {
	if slotLength <= 0 {
		slotLength = domain.DefaultSlotLength
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		repo:       repo,
		slotLength: slotLength,
		log:        log.With(slog.String("component", "availability")),
	}
	if cacheCfg.Size > 0 {
		ttl := cacheCfg.TTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		s.cache = expirable.NewLRU[templateKey, domain.Template](cacheCfg.Size, nil, ttl)
		s.generations = make(map[templateKey]uint64)
	}
	return s
}

func (s *Store) SlotLength() time.Duration {
	return s.slotLength
}

// SetWeekday replaces the doctor's windows for weekday. Windows are validated as a
// whole before anything is written; bookings already made are left alone.
func (s *Store) SetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
	if !weekday.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidWeekday, weekday)
	}
	if err := domain.ValidateWindows(windows, s.slotLength); err != nil {
		return err
	}
	sorted := domain.SortWindows(windows)

	if err := s.repo.ReplaceWeekday(ctx, doctorID, weekday, sorted); err != nil {
		return err
	}
	s.invalidate(doctorID, weekday)

	s.log.InfoContext(ctx, "availability replaced",
		slog.String("doctor_id", doctorID),
		slog.String("weekday", weekday.String()),
		slog.Int("windows", len(sorted)),
	)
	return nil
}

// SetWindowEnabled switches one stored window on or off without touching the rest of
// the template. The window is matched on both start and end.
func (s *Store) SetWindowEnabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, enabled bool) error {
	if !weekday.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidWeekday, weekday)
	}
	if err := s.repo.SetWindowDisabled(ctx, doctorID, weekday, window, !enabled); err != nil {
		return err
	}
	s.invalidate(doctorID, weekday)

	s.log.InfoContext(ctx, "availability window toggled",
		slog.String("doctor_id", doctorID),
		slog.String("weekday", weekday.String()),
		slog.String("window", window.String()),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// Template returns the doctor's windows for weekday, possibly from cache.
func (s *Store) Template(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
	key := templateKey{doctorID: doctorID, weekday: weekday}
	if s.cache != nil {
		if tmpl, ok := s.cache.Get(key); ok {
			return cloneTemplate(tmpl), nil
		}
	}

	tmpl, err := s.load(ctx, key)
	if err != nil {
		return domain.Template{}, err
	}
	return tmpl, nil
}

// ListSlotsForDate enumerates the doctor's slots on date. No template means no slots.
func (s *Store) ListSlotsForDate(ctx context.Context, doctorID string, date time.Time) (iter.Seq[domain.Slot], error) {
	tmpl, err := s.Template(ctx, doctorID, domain.WeekdayOf(date))
	if err != nil {
		return nil, err
	}
	return domain.Enumerate(tmpl, date, s.slotLength)
}

// ListSlotsForDateFresh is ListSlotsForDate bypassing the cache. It refreshes the
// cached entry with what it read.
func (s *Store) ListSlotsForDateFresh(ctx context.Context, doctorID string, date time.Time) (iter.Seq[domain.Slot], error) {
	tmpl, err := s.load(ctx, templateKey{doctorID: doctorID, weekday: domain.WeekdayOf(date)})
	if err != nil {
		return nil, err
	}
	return domain.Enumerate(tmpl, date, s.slotLength)
}

// load reads the template from the repository and caches it unless the key was
// invalidated while the read was in flight.
func (s *Store) load(ctx context.Context, key templateKey) (domain.Template, error) {
	var gen uint64
	if s.cache != nil {
		s.mu.Lock()
		gen = s.generations[key]
		s.mu.Unlock()
	}

	tmpl, err := s.repo.GetWeekday(ctx, key.doctorID, key.weekday)
	if err != nil {
		return domain.Template{}, err
	}

	if s.cache != nil {
		s.mu.Lock()
		if s.generations[key] == gen {
			s.cache.Add(key, cloneTemplate(tmpl))
		}
		s.mu.Unlock()
	}
	return tmpl, nil
}

func (s *Store) invalidate(doctorID string, weekday domain.Weekday) {
	if s.cache == nil {
		return
	}
	key := templateKey{doctorID: doctorID, weekday: weekday}
	s.mu.Lock()
	s.generations[key]++
	s.cache.Remove(key)
	s.mu.Unlock()
}

func cloneTemplate(t domain.Template) domain.Template {
	t.Windows = slices.Clone(t.Windows)
	return t
}
