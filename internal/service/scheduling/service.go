package scheduling

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/events"
	"kokoro/backend/internal/store"
)

const (
	DefaultHistoryMaxDays = 366
	maxIDLength           = 128
)

var (
	ErrHorizonExceeded = errors.New("date outside booking horizon")
	ErrUnknownSlot     = errors.New("unknown slot")
	ErrForbidden       = errors.New("forbidden")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// Availability is the slice of the availability store the service depends on.
type Availability interface {
	SetWeekday(ctx context.Context, doctorID string, weekday domain.Weekday, windows []domain.Window) error
	SetWindowEnabled(ctx context.Context, doctorID string, weekday domain.Weekday, window domain.Window, enabled bool) error
	ListSlotsForDate(ctx context.Context, doctorID string, date time.Time) (iter.Seq[domain.Slot], error)
	ListSlotsForDateFresh(ctx context.Context, doctorID string, date time.Time) (iter.Seq[domain.Slot], error)
}

type Publisher interface {
	PublishBooking(ctx context.Context, ev events.BookingEvent) error
}

type Config struct {
	Capacity       int
	HorizonDays    int
	HistoryMaxDays int
	// Location decides which calendar day "today" is for horizon checks.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = domain.DefaultCapacity
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = domain.DefaultHorizonDays
	}
	if c.HistoryMaxDays <= 0 {
		c.HistoryMaxDays = DefaultHistoryMaxDays
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type Service struct {
	availability Availability
	ledger       store.BookingLedger
	cfg          Config
	now          func() time.Time
	publisher    Publisher
	log          *slog.Logger
	tracer       trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(availability Availability, ledger store.BookingLedger, cfg Config, opts ...Option) *Service {
	s := &Service{
		availability: availability,
		ledger:       ledger,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		publisher:    events.Nop{},
		log:          slog.Default(),
		tracer:       otel.Tracer("kokoro/backend/internal/service/scheduling"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "scheduling"))
	return s
}

func (s *Service) Capacity() int {
	return s.cfg.Capacity
}

// AvailableSlot is a slot with its seat counts at the time of listing. Full slots
// are included with Remaining set to zero.
type AvailableSlot struct {
	Slot      domain.Slot
	Booked    int
	Remaining int
}

func (s *Service) SetAvailability(ctx context.Context, callerID, doctorID string, weekday domain.Weekday, windows []domain.Window) (err error) {
	ctx, span := s.startSpan(ctx, "SetAvailability", attribute.String("doctor_id", doctorID), attribute.Int("weekday", int(weekday)))
	defer func() { endSpan(span, err) }()

	if err := s.authorizeDoctor(callerID, doctorID); err != nil {
		return err
	}
	if !weekday.Valid() {
		return validationError("weekday must be between 1 and 7")
	}
	return s.availability.SetWeekday(ctx, doctorID, weekday, windows)
}

func (s *Service) SetWindowEnabled(ctx context.Context, callerID, doctorID string, weekday domain.Weekday, window domain.Window, enabled bool) (err error) {
	ctx, span := s.startSpan(ctx, "SetWindowEnabled", attribute.String("doctor_id", doctorID), attribute.Int("weekday", int(weekday)))
	defer func() { endSpan(span, err) }()

	if err := s.authorizeDoctor(callerID, doctorID); err != nil {
		return err
	}
	if !weekday.Valid() {
		return validationError("weekday must be between 1 and 7")
	}
	return s.availability.SetWindowEnabled(ctx, doctorID, weekday, window, enabled)
}

func (s *Service) ListAvailable(ctx context.Context, doctorID string, date time.Time) (out []AvailableSlot, err error) {
	ctx, span := s.startSpan(ctx, "ListAvailable", attribute.String("doctor_id", doctorID), attribute.String("date", domain.FormatDate(date)))
	defer func() { endSpan(span, err) }()

	if err := validateID("doctor_id", doctorID); err != nil {
		return nil, err
	}
	date = calendarDate(date)
	if err := s.checkHorizon(date); err != nil {
		return nil, err
	}

	slots, err := s.availability.ListSlotsForDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	bookings, err := s.ledger.ListForDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	booked := make(map[domain.TimeOfDay]int, len(bookings))
	for _, b := range bookings {
		booked[b.Start]++
	}

	for slot := range slots {
		n := booked[slot.Start]
		out = append(out, AvailableSlot{
			Slot:      slot,
			Booked:    n,
			Remaining: max(0, s.cfg.Capacity-n),
		})
	}
	return out, nil
}

func (s *Service) Book(ctx context.Context, doctorID string, date time.Time, start domain.TimeOfDay, userID string) (b domain.Booking, err error) {
	ctx, span := s.startSpan(ctx, "Book",
		attribute.String("doctor_id", doctorID),
		attribute.String("date", domain.FormatDate(date)),
		attribute.String("start", start.String()),
	)
	defer func() { endSpan(span, err) }()

	if err := validateID("doctor_id", doctorID); err != nil {
		return domain.Booking{}, err
	}
	if err := validateID("user_id", userID); err != nil {
		return domain.Booking{}, err
	}
	date = calendarDate(date)
	if err := s.checkHorizon(date); err != nil {
		return domain.Booking{}, err
	}

	slots, err := s.availability.ListSlotsForDateFresh(ctx, doctorID, date)
	if err != nil {
		return domain.Booking{}, err
	}
	if !containsStart(slots, start) {
		return domain.Booking{}, fmt.Errorf("%w: %s %s %s", ErrUnknownSlot, doctorID, domain.FormatDate(date), start)
	}

	key := domain.SlotKey{DoctorID: doctorID, Date: date, Start: start}
	b, err = s.ledger.TryBook(ctx, key, userID)
	if err != nil {
		return domain.Booking{}, err
	}

	s.log.InfoContext(ctx, "booking created",
		slog.String("booking_id", b.ID.String()),
		slog.String("slot", key.String()),
		slog.String("user_id", userID),
	)
	s.publish(ctx, events.BookingCreated(b, s.now()))
	return b, nil
}

func (s *Service) Cancel(ctx context.Context, doctorID string, date time.Time, start domain.TimeOfDay, userID string) (err error) {
	ctx, span := s.startSpan(ctx, "Cancel",
		attribute.String("doctor_id", doctorID),
		attribute.String("date", domain.FormatDate(date)),
		attribute.String("start", start.String()),
	)
	defer func() { endSpan(span, err) }()

	if err := validateID("doctor_id", doctorID); err != nil {
		return err
	}
	if err := validateID("user_id", userID); err != nil {
		return err
	}

	key := domain.SlotKey{DoctorID: doctorID, Date: calendarDate(date), Start: start}
	if err := s.ledger.Cancel(ctx, key, userID); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "booking cancelled",
		slog.String("slot", key.String()),
		slog.String("user_id", userID),
	)
	s.publish(ctx, events.BookingCancelled(key, userID, s.now()))
	return nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Booking, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	return s.ledger.ListForUser(ctx, userID)
}

func (s *Service) ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error) {
	if err := validateID("doctor_id", doctorID); err != nil {
		return nil, err
	}
	return s.ledger.ListForDoctorDate(ctx, doctorID, calendarDate(date))
}

type HistoryKind string

const (
	HistoryDoctor HistoryKind = "doctor"
	HistoryUser   HistoryKind = "user"
)

type HistoryQuery struct {
	Kind HistoryKind
	ID   string
	Days int
}

// History looks back Days calendar days from today. For a doctor it covers today and
// the Days-1 days before it; for a user it covers every live booking dated no earlier
// than Days days ago, upcoming ones included.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]domain.Booking, error) {
	if err := validateID("id", q.ID); err != nil {
		return nil, err
	}
	if q.Days <= 0 || q.Days > s.cfg.HistoryMaxDays {
		return nil, validationError(fmt.Sprintf("days must be between 1 and %d", s.cfg.HistoryMaxDays))
	}

	today := domain.DateOf(s.now(), s.cfg.Location)
	switch q.Kind {
	case HistoryDoctor:
		return s.ledger.ListForDoctorRange(ctx, q.ID, today.AddDate(0, 0, -(q.Days-1)), today)
	case HistoryUser:
		rows, err := s.ledger.ListForUser(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		from := today.AddDate(0, 0, -q.Days)
		out := rows[:0]
		for _, b := range rows {
			if !b.SlotDate.Before(from) {
				out = append(out, b)
			}
		}
		return out, nil
	default:
		return nil, validationError("kind must be doctor or user")
	}
}

func (s *Service) authorizeDoctor(callerID, doctorID string) error {
	if err := validateID("doctor_id", doctorID); err != nil {
		return err
	}
	if strings.TrimSpace(callerID) == "" || callerID != doctorID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) checkHorizon(date time.Time) error {
	today := domain.DateOf(s.now(), s.cfg.Location)
	last := today.AddDate(0, 0, s.cfg.HorizonDays)
	if date.Before(today) || date.After(last) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrHorizonExceeded,
			domain.FormatDate(date), domain.FormatDate(today), domain.FormatDate(last))
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.BookingEvent) {
	if err := s.publisher.PublishBooking(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "publish booking event failed",
			slog.String("kind", ev.Kind),
			slog.String("doctor_id", ev.DoctorID),
			slog.String("user_id", ev.UserID),
			slog.Any("err", err),
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "scheduling."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationError(field + " is required")
	}
	if len(id) > maxIDLength || strings.Contains(id, "#") {
		return validationError(field + " is invalid")
	}
	return nil
}

func calendarDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func containsStart(slots iter.Seq[domain.Slot], start domain.TimeOfDay) bool {
	for s := range slots {
		if s.Start == start {
			return true
		}
	}
	return false
}
