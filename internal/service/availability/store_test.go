package availability

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/store"
)

type fakeRepo struct {
	replaceFn     func(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error
	getFn         func(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error)
	setDisabledFn func(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error
}

func (f *fakeRepo) ReplaceWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
	if f.replaceFn == nil {
		panic("ReplaceWeekday not configured")
	}
	return f.replaceFn(ctx, doctorID, weekday, windows)
}

func (f *fakeRepo) GetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
	if f.getFn == nil {
		panic("GetWeekday not configured")
	}
	return f.getFn(ctx, doctorID, weekday)
}

func (f *fakeRepo) SetWindowDisabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error {
	if f.setDisabledFn == nil {
		panic("SetWindowDisabled not configured")
	}
	return f.setDisabledFn(ctx, doctorID, weekday, window, disabled)
}

// memRepo is a map-backed repository that counts reads.
type memRepo struct {
	templates map[templateKey][]domain.Window
	reads     int
}

func newMemRepo() *memRepo {
	return &memRepo{templates: map[templateKey][]domain.Window{}}
}

func (m *memRepo) ReplaceWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
	m.templates[templateKey{doctorID, weekday}] = slices.Clone(windows)
	return nil
}

func (m *memRepo) GetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
	m.reads++
	return domain.Template{DoctorID: doctorID, Weekday: weekday, Windows: slices.Clone(m.templates[templateKey{doctorID, weekday}])}, nil
}

func (m *memRepo) SetWindowDisabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, disabled bool) error {
	ws := m.templates[templateKey{doctorID, weekday}]
	for i := range ws {
		if ws[i].Start == window.Start && ws[i].End == window.End {
			ws[i].Disabled = disabled
			return nil
		}
	}
	return store.ErrNotFound
}

var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func TestSetWeekday_SortsBeforeReplacing(t *testing.T) {
	var got []domain.Window
	s := NewStore(&fakeRepo{
		replaceFn: func(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
			if doctorID != "d1" || weekday != domain.Monday {
				t.Fatalf("unexpected key %s/%s", doctorID, weekday)
			}
			got = windows
			return nil
		},
	}, domain.DefaultSlotLength, CacheConfig{}, nil)

	err := s.SetWeekday(context.Background(), "d1", domain.Monday, []domain.Window{
		{Start: 840, End: 900},
		{Start: 540, End: 600},
	})
	if err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	if len(got) != 2 || got[0].Start != 540 {
		t.Fatalf("windows = %+v, want sorted", got)
	}
}

func TestSetWeekday_RejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name    string
		weekday domain.Weekday
		windows []domain.Window
		wantErr error
	}{
		{name: "overlap", weekday: domain.Monday, windows: []domain.Window{{Start: 540, End: 660}, {Start: 600, End: 720}}, wantErr: domain.ErrInvalidWindow},
		{name: "unaligned", weekday: domain.Monday, windows: []domain.Window{{Start: 545, End: 600}}, wantErr: domain.ErrInvalidWindow},
		{name: "bad weekday", weekday: 9, windows: nil, wantErr: domain.ErrInvalidWeekday},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(&fakeRepo{}, domain.DefaultSlotLength, CacheConfig{}, nil)
			err := s.SetWeekday(context.Background(), "d1", tt.weekday, tt.windows)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestListSlotsForDate_EmptyWithoutTemplate(t *testing.T) {
	s := NewStore(newMemRepo(), domain.DefaultSlotLength, CacheConfig{Size: 8}, nil)
	seq, err := s.ListSlotsForDate(context.Background(), "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}
	if got := slices.Collect(seq); len(got) != 0 {
		t.Fatalf("slots = %+v, want none", got)
	}
}

func TestListSlotsForDate_UsesCacheUntilWrite(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, domain.DefaultSlotLength, CacheConfig{Size: 8, TTL: time.Minute}, nil)
	ctx := context.Background()

	if err := s.SetWeekday(ctx, "d1", domain.Monday, []domain.Window{{Start: 540, End: 600}}); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}

	for i := 0; i < 3; i++ {
		seq, err := s.ListSlotsForDate(ctx, "d1", monday)
		if err != nil {
			t.Fatalf("ListSlotsForDate error: %v", err)
		}
		if got := slices.Collect(seq); len(got) != 2 {
			t.Fatalf("len(slots) = %d, want 2", len(got))
		}
	}
	if repo.reads != 1 {
		t.Fatalf("repo reads = %d, want 1", repo.reads)
	}

	if err := s.SetWeekday(ctx, "d1", domain.Monday, []domain.Window{{Start: 540, End: 720}}); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	seq, err := s.ListSlotsForDate(ctx, "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}
	if got := slices.Collect(seq); len(got) != 6 {
		t.Fatalf("len(slots) after write = %d, want 6", len(got))
	}
	if repo.reads != 2 {
		t.Fatalf("repo reads = %d, want 2", repo.reads)
	}
}

func TestListSlotsForDateFresh_SeesWritesFromElsewhere(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, domain.DefaultSlotLength, CacheConfig{Size: 8, TTL: time.Hour}, nil)
	ctx := context.Background()

	if err := s.SetWeekday(ctx, "d1", domain.Monday, []domain.Window{{Start: 540, End: 600}}); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	if _, err := s.ListSlotsForDate(ctx, "d1", monday); err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}

	// Another process clears the template behind this store's cache.
	_ = repo.ReplaceWeekday(ctx, "d1", domain.Monday, nil)

	seq, err := s.ListSlotsForDate(ctx, "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}
	if got := slices.Collect(seq); len(got) != 2 {
		t.Fatalf("cached slots = %d, want 2", len(got))
	}

	seq, err = s.ListSlotsForDateFresh(ctx, "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDateFresh error: %v", err)
	}
	if got := slices.Collect(seq); len(got) != 0 {
		t.Fatalf("fresh slots = %d, want 0", len(got))
	}
}

func TestSetWindowEnabled_TogglesAndInvalidates(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, domain.DefaultSlotLength, CacheConfig{Size: 8, TTL: time.Hour}, nil)
	ctx := context.Background()

	windows := []domain.Window{{Start: 540, End: 600}, {Start: 660, End: 720}}
	if err := s.SetWeekday(ctx, "d1", domain.Monday, windows); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	if _, err := s.Template(ctx, "d1", domain.Monday); err != nil {
		t.Fatalf("Template error: %v", err)
	}

	if err := s.SetWindowEnabled(ctx, "d1", domain.Monday, windows[0], false); err != nil {
		t.Fatalf("SetWindowEnabled error: %v", err)
	}
	seq, err := s.ListSlotsForDate(ctx, "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}
	got := slices.Collect(seq)
	if len(got) != 2 || got[0].Start != 660 {
		t.Fatalf("slots = %+v, want only the 11:00 window", got)
	}

	err = s.SetWindowEnabled(ctx, "d1", domain.Monday, domain.Window{Start: 800, End: 830}, true)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestTemplate_ReturnsCopiesOfCachedWindows(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, domain.DefaultSlotLength, CacheConfig{Size: 8}, nil)
	ctx := context.Background()

	if err := s.SetWeekday(ctx, "d1", domain.Monday, []domain.Window{{Start: 540, End: 600}}); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	first, err := s.Template(ctx, "d1", domain.Monday)
	if err != nil {
		t.Fatalf("Template error: %v", err)
	}
	first.Windows[0].Disabled = true

	second, err := s.Template(ctx, "d1", domain.Monday)
	if err != nil {
		t.Fatalf("Template error: %v", err)
	}
	if second.Windows[0].Disabled {
		t.Fatalf("cached template was mutated through a returned copy")
	}
}

func TestListSlotsForDate_PropagatesRepoError(t *testing.T) {
	boom := &store.UnavailableError{Op: "get_weekday", Err: errors.New("boom")}
	s := NewStore(&fakeRepo{
		getFn: func(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
			return domain.Template{}, boom
		},
	}, domain.DefaultSlotLength, CacheConfig{Size: 8}, nil)

	_, err := s.ListSlotsForDate(context.Background(), "d1", monday)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want %v", err, store.ErrUnavailable)
	}
}

func TestTemplate_ReadInFlightDuringReplaceIsNotCached(t *testing.T) {
	var (
		mu      sync.Mutex
		current = []domain.Window{{Start: 540, End: 600}}
		calls   int
	)
	started := make(chan struct{})
	release := make(chan struct{})
	repo := &fakeRepo{
		getFn: func(ctx context.Context, doctorID string, weekday domain.Weekday) (domain.Template, error) {
			mu.Lock()
			calls++
			n := calls
			windows := slices.Clone(current)
			mu.Unlock()
			if n == 1 {
				close(started)
				<-release
			}
			return domain.Template{DoctorID: doctorID, Weekday: weekday, Windows: windows}, nil
		},
		replaceFn: func(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error {
			mu.Lock()
			current = slices.Clone(windows)
			mu.Unlock()
			return nil
		},
	}
	s := NewStore(repo, domain.DefaultSlotLength, CacheConfig{Size: 16, TTL: time.Hour}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Template(ctx, "d1", domain.Monday)
		done <- err
	}()
	<-started

	if err := s.SetWeekday(ctx, "d1", domain.Monday, nil); err != nil {
		t.Fatalf("SetWeekday error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Template error: %v", err)
	}

	seq, err := s.ListSlotsForDate(ctx, "d1", monday)
	if err != nil {
		t.Fatalf("ListSlotsForDate error: %v", err)
	}
	if got := len(slices.Collect(seq)); got != 0 {
		t.Fatalf("slots after clearing the template = %d, want 0", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("repository reads = %d, want 2", calls)
	}
}
