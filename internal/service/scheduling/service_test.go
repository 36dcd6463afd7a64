package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/events"
	"kokoro/backend/internal/service/availability"
	"kokoro/backend/internal/store"
	"kokoro/backend/internal/store/redisstore"
)

var (
	// Thursday.
	testNow    = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	testMonday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
)

type fakeLedger struct {
	tryBookFn     func(ctx context.Context, key domain.SlotKey, userID string) (domain.Booking, error)
	cancelFn      func(ctx context.Context, key domain.SlotKey, userID string) error
	listDoctorFn  func(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error)
	listRangeFn   func(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error)
	listUserFn    func(ctx context.Context, userID string) ([]domain.Booking, error)
	deleteExpired func(ctx context.Context, now time.Time, limit int) (int, error)
}

func (f *fakeLedger) TryBook(ctx context.Context, key domain.SlotKey, userID string) (domain.Booking, error) {
	if f.tryBookFn == nil {
		panic("TryBook not configured")
	}
	return f.tryBookFn(ctx, key, userID)
}

func (f *fakeLedger) Cancel(ctx context.Context, key domain.SlotKey, userID string) error {
	if f.cancelFn == nil {
		panic("Cancel not configured")
	}
	return f.cancelFn(ctx, key, userID)
}

func (f *fakeLedger) ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error) {
	if f.listDoctorFn == nil {
		panic("ListForDoctorDate not configured")
	}
	return f.listDoctorFn(ctx, doctorID, date)
}

func (f *fakeLedger) ListForDoctorRange(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error) {
	if f.listRangeFn == nil {
		panic("ListForDoctorRange not configured")
	}
	return f.listRangeFn(ctx, doctorID, from, to)
}

func (f *fakeLedger) ListForUser(ctx context.Context, userID string) ([]domain.Booking, error) {
	if f.listUserFn == nil {
		panic("ListForUser not configured")
	}
	return f.listUserFn(ctx, userID)
}

func (f *fakeLedger) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if f.deleteExpired == nil {
		panic("DeleteExpired not configured")
	}
	return f.deleteExpired(ctx, now, limit)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.BookingEvent
	err    error
}

func (p *recordingPublisher) PublishBooking(ctx context.Context, ev events.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type harness struct {
	svc    *Service
	avail  *availability.Store
	ledger *redisstore.BookingLedger
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := func() time.Time { return testNow }
	avail := availability.NewStore(redisstore.NewAvailabilityRepo(client, ""), domain.DefaultSlotLength, availability.CacheConfig{Size: 16, TTL: time.Minute}, nil)
	ledger := redisstore.NewBookingLedger(client, "", store.LedgerOptions{Capacity: domain.DefaultCapacity, Now: clock})

	opts = append([]Option{WithClock(clock)}, opts...)
	svc := NewService(avail, ledger, Config{}, opts...)
	return &harness{svc: svc, avail: avail, ledger: ledger, mr: mr}
}

func (h *harness) mondayMorning(t *testing.T) {
	t.Helper()
	err := h.svc.SetAvailability(context.Background(), "d1", "d1", domain.Monday, []domain.Window{{Start: 540, End: 600}})
	if err != nil {
		t.Fatalf("SetAvailability error: %v", err)
	}
}

func remainingAt(t *testing.T, h *harness, start domain.TimeOfDay) int {
	t.Helper()
	slots, err := h.svc.ListAvailable(context.Background(), "d1", testMonday)
	if err != nil {
		t.Fatalf("ListAvailable error: %v", err)
	}
	for _, s := range slots {
		if s.Slot.Start == start {
			return s.Remaining
		}
	}
	t.Fatalf("slot %s not listed", start)
	return 0
}

func TestScenario_MondayMorningFillsAndFrees(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	slots, err := h.svc.ListAvailable(ctx, "d1", testMonday)
	if err != nil {
		t.Fatalf("ListAvailable error: %v", err)
	}
	if len(slots) != 2 || slots[0].Slot.Start.String() != "09:00" || slots[1].Slot.Start.String() != "09:30" {
		t.Fatalf("slots = %+v", slots)
	}
	for _, s := range slots {
		if s.Remaining != 5 || s.Booked != 0 {
			t.Fatalf("slot %s remaining = %d, want 5", s.Slot.Start, s.Remaining)
		}
	}

	for i := 1; i <= 5; i++ {
		if _, err := h.svc.Book(ctx, "d1", testMonday, 540, fmt.Sprintf("u%d", i)); err != nil {
			t.Fatalf("Book u%d error: %v", i, err)
		}
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u6"); !errors.Is(err, store.ErrSlotFull) {
		t.Fatalf("sixth book err = %v, want %v", err, store.ErrSlotFull)
	}
	if got := remainingAt(t, h, 540); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	if err := h.svc.Cancel(ctx, "d1", testMonday, 540, "u3"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if got := remainingAt(t, h, 540); got != 1 {
		t.Fatalf("remaining after cancel = %d, want 1", got)
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u6"); err != nil {
		t.Fatalf("Book after cancel error: %v", err)
	}
}

func TestBookCancelBook_LeavesOneLiveBooking(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	if _, err := h.svc.Book(ctx, "d1", testMonday, 570, "u1"); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if err := h.svc.Cancel(ctx, "d1", testMonday, 570, "u1"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 570, "u1"); err != nil {
		t.Fatalf("second Book error: %v", err)
	}

	rows, err := h.svc.ListForDoctorDate(ctx, "d1", testMonday)
	if err != nil {
		t.Fatalf("ListForDoctorDate error: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != "u1" || rows[0].Start != 570 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCancel_WithoutBookingIsNotFoundAndLeavesOccupancy(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if err := h.svc.Cancel(ctx, "d1", testMonday, 540, "u2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
	if got := remainingAt(t, h, 540); got != 4 {
		t.Fatalf("remaining = %d, want 4", got)
	}
}

func TestBook_DuplicateCountsOnce(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); !errors.Is(err, store.ErrDuplicateBooking) {
		t.Fatalf("err = %v, want %v", err, store.ErrDuplicateBooking)
	}
	if got := remainingAt(t, h, 540); got != 4 {
		t.Fatalf("remaining = %d, want 4", got)
	}
}

func TestListAvailable_Horizon(t *testing.T) {
	h := newHarness(t)
	today := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		date    time.Time
		wantErr bool
	}{
		{name: "today", date: today},
		{name: "fifteen days", date: today.AddDate(0, 0, 15)},
		{name: "sixteen days", date: today.AddDate(0, 0, 16), wantErr: true},
		{name: "yesterday", date: today.AddDate(0, 0, -1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ListAvailable(context.Background(), "d1", tt.date)
			if tt.wantErr {
				if !errors.Is(err, ErrHorizonExceeded) {
					t.Fatalf("err = %v, want %v", err, ErrHorizonExceeded)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
		})
	}

	if _, err := h.svc.Book(context.Background(), "d1", today.AddDate(0, 0, 16), 540, "u1"); !errors.Is(err, ErrHorizonExceeded) {
		t.Fatalf("Book err = %v, want %v", err, ErrHorizonExceeded)
	}
}

func TestHorizon_UsesConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation error: %v", err)
	}
	// 20:00 UTC on Jan 1 is already Jan 2 in Kolkata.
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	svc := NewService(nil, &fakeLedger{
		listDoctorFn: func(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error) {
			return nil, nil
		},
	}, Config{Location: loc}, WithClock(func() time.Time { return now }))

	_, err = svc.ListAvailable(context.Background(), "d1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrHorizonExceeded) {
		t.Fatalf("err = %v, want %v", err, ErrHorizonExceeded)
	}
}

func TestSetWeekday_RemovalKeepsBookings(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if err := h.svc.SetAvailability(ctx, "d1", "d1", domain.Monday, nil); err != nil {
		t.Fatalf("SetAvailability error: %v", err)
	}

	slots, err := h.svc.ListAvailable(ctx, "d1", testMonday)
	if err != nil {
		t.Fatalf("ListAvailable error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots = %+v, want none", slots)
	}

	rows, err := h.svc.ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListForUser error: %v", err)
	}
	if len(rows) != 1 || rows[0].DoctorID != "d1" || rows[0].Start != 540 {
		t.Fatalf("rows = %+v", rows)
	}

	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u2"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("err = %v, want %v", err, ErrUnknownSlot)
	}
}

func TestBook_UnknownAndDisabledSlots(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		date  time.Time
		start domain.TimeOfDay
	}{
		{name: "after window", date: testMonday, start: 600},
		{name: "unaligned", date: testMonday, start: 545},
		{name: "other weekday", date: testMonday.AddDate(0, 0, 1), start: 540},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Book(ctx, "d1", tt.date, tt.start, "u1"); !errors.Is(err, ErrUnknownSlot) {
				t.Fatalf("err = %v, want %v", err, ErrUnknownSlot)
			}
		})
	}

	window := domain.Window{Start: 540, End: 600}
	if err := h.svc.SetWindowEnabled(ctx, "d1", "d1", domain.Monday, window, false); err != nil {
		t.Fatalf("SetWindowEnabled error: %v", err)
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("disabled window err = %v, want %v", err, ErrUnknownSlot)
	}
	if err := h.svc.SetWindowEnabled(ctx, "d1", "d1", domain.Monday, window, true); err != nil {
		t.Fatalf("SetWindowEnabled error: %v", err)
	}
	if _, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("re-enabled window Book error: %v", err)
	}
}

func TestSetAvailability_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	windows := []domain.Window{{Start: 540, End: 600}}

	if err := h.svc.SetAvailability(ctx, "d2", "d1", domain.Monday, windows); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want %v", err, ErrForbidden)
	}
	if err := h.svc.SetAvailability(ctx, "", "d1", domain.Monday, windows); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want %v", err, ErrForbidden)
	}
	if err := h.svc.SetWindowEnabled(ctx, "d2", "d1", domain.Monday, windows[0], false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want %v", err, ErrForbidden)
	}
	err := h.svc.SetAvailability(ctx, "d1", "d1", domain.Monday, []domain.Window{{Start: 540, End: 545}})
	if !errors.Is(err, domain.ErrInvalidWindow) {
		t.Fatalf("err = %v, want %v", err, domain.ErrInvalidWindow)
	}
}

func TestBook_ConcurrentCallersRespectCapacity(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		success int
	)
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := h.svc.Book(ctx, "d1", testMonday, 540, fmt.Sprintf("racer-%d", i))
			switch {
			case err == nil:
				mu.Lock()
				success++
				mu.Unlock()
				return nil
			case errors.Is(err, store.ErrSlotFull):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if success != domain.DefaultCapacity {
		t.Fatalf("success = %d, want %d", success, domain.DefaultCapacity)
	}
	if got := remainingAt(t, h, 540); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
}

func TestBook_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, WithPublisher(pub))
	h.mondayMorning(t)
	ctx := context.Background()

	b, err := h.svc.Book(ctx, "d1", testMonday, 540, "u1")
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if err := h.svc.Cancel(ctx, "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	_, _ = h.svc.Book(ctx, "d1", testMonday, 600, "u1")

	if len(pub.events) != 2 {
		t.Fatalf("events = %+v, want 2", pub.events)
	}
	if pub.events[0].Kind != events.KindBookingCreated || pub.events[0].BookingID != b.ID.String() {
		t.Fatalf("created event = %+v", pub.events[0])
	}
	if pub.events[1].Kind != events.KindBookingCancelled || pub.events[1].Start != "09:00" {
		t.Fatalf("cancelled event = %+v", pub.events[1])
	}
}

func TestBook_PublishFailureDoesNotFailBooking(t *testing.T) {
	h := newHarness(t, WithPublisher(&recordingPublisher{err: errors.New("broker down")}))
	h.mondayMorning(t)

	if _, err := h.svc.Book(context.Background(), "d1", testMonday, 540, "u1"); err != nil {
		t.Fatalf("Book error: %v", err)
	}
}

func TestBook_StoreUnavailablePropagates(t *testing.T) {
	h := newHarness(t)
	h.mondayMorning(t)
	h.mr.Close()

	_, err := h.svc.Book(context.Background(), "d1", testMonday, 540, "u1")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want %v", err, store.ErrUnavailable)
	}
}

func TestValidation_ErrorType(t *testing.T) {
	svc := NewService(nil, &fakeLedger{}, Config{}, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{name: "book without user", call: func() error {
			_, err := svc.Book(ctx, "d1", testMonday, 540, "")
			return err
		}, want: "user_id is required"},
		{name: "cancel without doctor", call: func() error {
			return svc.Cancel(ctx, " ", testMonday, 540, "u1")
		}, want: "doctor_id is required"},
		{name: "doctor id with separator", call: func() error {
			_, err := svc.ListAvailable(ctx, "d#1", testMonday)
			return err
		}, want: "doctor_id is invalid"},
		{name: "history days", call: func() error {
			_, err := svc.History(ctx, HistoryQuery{Kind: HistoryUser, ID: "u1", Days: 0})
			return err
		}, want: "days must be between 1 and 366"},
		{name: "history kind", call: func() error {
			_, err := svc.History(ctx, HistoryQuery{Kind: "clinic", ID: "u1", Days: 3})
			return err
		}, want: "kind must be doctor or user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T (%v), want *ValidationError", err, err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestHistory_DoctorRangeAndUserFilter(t *testing.T) {
	today := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var gotFrom, gotTo time.Time
	svc := NewService(nil, &fakeLedger{
		listRangeFn: func(ctx context.Context, doctorID string, from, to time.Time) ([]domain.Booking, error) {
			gotFrom, gotTo = from, to
			return []domain.Booking{{DoctorID: doctorID}}, nil
		},
		listUserFn: func(ctx context.Context, userID string) ([]domain.Booking, error) {
			return []domain.Booking{
				{UserID: userID, SlotDate: today.AddDate(0, 0, 3)},
				{UserID: userID, SlotDate: today.AddDate(0, 0, -2)},
				{UserID: userID, SlotDate: today.AddDate(0, 0, -6)},
			}, nil
		},
	}, Config{}, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	rows, err := svc.History(ctx, HistoryQuery{Kind: HistoryDoctor, ID: "d1", Days: 3})
	if err != nil {
		t.Fatalf("History doctor error: %v", err)
	}
	if len(rows) != 1 || !gotFrom.Equal(today.AddDate(0, 0, -2)) || !gotTo.Equal(today) {
		t.Fatalf("range = %s..%s", domain.FormatDate(gotFrom), domain.FormatDate(gotTo))
	}

	rows, err = svc.History(ctx, HistoryQuery{Kind: HistoryUser, ID: "u1", Days: 3})
	if err != nil {
		t.Fatalf("History user error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want upcoming and recent bookings only", rows)
	}
}
