package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"kokoro/backend/internal/domain"
	"kokoro/backend/internal/service/scheduling"
	"kokoro/backend/internal/store"
)

const (
	callerIDHeader = "x-caller-id"
	errorDomain    = "kokoro.scheduling"
	retryDelay     = time.Second
)

type schedulingService interface {
	SetAvailability(ctx context.Context, callerID, doctorID string, weekday domain.Weekday, windows []domain.Window) error
	SetWindowEnabled(ctx context.Context, callerID, doctorID string, weekday domain.Weekday, window domain.Window, enabled bool) error
	ListAvailable(ctx context.Context, doctorID string, date time.Time) ([]scheduling.AvailableSlot, error)
	Book(ctx context.Context, doctorID string, date time.Time, start domain.TimeOfDay, userID string) (domain.Booking, error)
	Cancel(ctx context.Context, doctorID string, date time.Time, start domain.TimeOfDay, userID string) error
	ListForUser(ctx context.Context, userID string) ([]domain.Booking, error)
	ListForDoctorDate(ctx context.Context, doctorID string, date time.Time) ([]domain.Booking, error)
	History(ctx context.Context, q scheduling.HistoryQuery) ([]domain.Booking, error)
}

type SchedulingServer struct {
	svc        schedulingService
	slotLength time.Duration
	log        *slog.Logger
}

func NewSchedulingServer(svc schedulingService, slotLength time.Duration, log *slog.Logger) *SchedulingServer {
	if log == nil {
		log = slog.Default()
	}
	if slotLength <= 0 {
		slotLength = domain.DefaultSlotLength
	}
	return &SchedulingServer{
		svc:        svc,
		slotLength: slotLength,
		log:        log.With(slog.String("component", "grpc.scheduling")),
	}
}

func (s *SchedulingServer) SetAvailability(ctx context.Context, req *SetAvailabilityRequest) (*SetAvailabilityResponse, error) {
	log := s.log.With(slog.String("rpc", "SetAvailability"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	weekday, err := domain.ParseWeekday(req.Weekday)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_weekday"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, "weekday must be a day name or 1-7")
	}
	windows := make([]domain.Window, 0, len(req.Windows))
	for _, w := range req.Windows {
		dw, err := fromWireWindow(w)
		if err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_window"), slog.String("doctor_id", req.DoctorID))
			return nil, status.Error(codes.InvalidArgument, "window times must be HH:MM")
		}
		windows = append(windows, dw)
	}

	if err := s.svc.SetAvailability(ctx, callerID(ctx), req.DoctorID, weekday, windows); err != nil {
		return nil, s.fail(ctx, log, "availability update failed", err, slog.String("doctor_id", req.DoctorID))
	}

	log.Info("availability updated",
		slog.String("doctor_id", req.DoctorID),
		slog.String("weekday", weekday.String()),
		slog.Int("windows", len(windows)),
	)
	return &SetAvailabilityResponse{}, nil
}

func (s *SchedulingServer) SetWindowEnabled(ctx context.Context, req *SetWindowEnabledRequest) (*SetWindowEnabledResponse, error) {
	log := s.log.With(slog.String("rpc", "SetWindowEnabled"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	weekday, err := domain.ParseWeekday(req.Weekday)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_weekday"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, "weekday must be a day name or 1-7")
	}
	window, err := fromWireWindow(req.Window)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_window"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, "window times must be HH:MM")
	}

	if err := s.svc.SetWindowEnabled(ctx, callerID(ctx), req.DoctorID, weekday, window, req.Enabled); err != nil {
		return nil, s.fail(ctx, log, "availability window toggle failed", err,
			slog.String("doctor_id", req.DoctorID), slog.String("window", window.String()))
	}

	log.Info("availability window toggled",
		slog.String("doctor_id", req.DoctorID),
		slog.String("window", window.String()),
		slog.Bool("enabled", req.Enabled),
	)
	return &SetWindowEnabledResponse{}, nil
}

func (s *SchedulingServer) ListAvailable(ctx context.Context, req *ListAvailableRequest) (*ListAvailableResponse, error) {
	log := s.log.With(slog.String("rpc", "ListAvailable"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}

	slots, err := s.svc.ListAvailable(ctx, req.DoctorID, date)
	if err != nil {
		return nil, s.fail(ctx, log, "list available failed", err,
			slog.String("doctor_id", req.DoctorID), slog.String("date", req.Date))
	}

	log.Debug("available slots listed",
		slog.String("doctor_id", req.DoctorID),
		slog.String("date", req.Date),
		slog.Int("count", len(slots)),
	)
	return &ListAvailableResponse{
		DoctorID: req.DoctorID,
		Date:     domain.FormatDate(date),
		Slots:    toWireSlots(slots),
	}, nil
}

func (s *SchedulingServer) Book(ctx context.Context, req *BookRequest) (*BookResponse, error) {
	log := s.log.With(slog.String("rpc", "Book"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	date, start, err := parseSlot(req.Date, req.Start)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_slot"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	b, err := s.svc.Book(ctx, req.DoctorID, date, start, req.UserID)
	if err != nil {
		return nil, s.fail(ctx, log, "booking failed", err,
			slog.String("doctor_id", req.DoctorID),
			slog.String("date", req.Date),
			slog.String("start", req.Start),
			slog.String("user_id", req.UserID),
		)
	}

	log.Info("booking created",
		slog.String("booking_id", b.ID.String()),
		slog.String("doctor_id", b.DoctorID),
		slog.String("user_id", b.UserID),
	)
	return &BookResponse{Booking: toWireBooking(b, s.slotLength)}, nil
}

func (s *SchedulingServer) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	log := s.log.With(slog.String("rpc", "Cancel"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	date, start, err := parseSlot(req.Date, req.Start)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_slot"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.svc.Cancel(ctx, req.DoctorID, date, start, req.UserID); err != nil {
		return nil, s.fail(ctx, log, "cancel failed", err,
			slog.String("doctor_id", req.DoctorID),
			slog.String("date", req.Date),
			slog.String("start", req.Start),
			slog.String("user_id", req.UserID),
		)
	}

	log.Info("booking cancelled", slog.String("doctor_id", req.DoctorID), slog.String("user_id", req.UserID))
	return &CancelResponse{}, nil
}

func (s *SchedulingServer) ListUserBookings(ctx context.Context, req *ListUserBookingsRequest) (*BookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListUserBookings"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	rows, err := s.svc.ListForUser(ctx, req.UserID)
	if err != nil {
		return nil, s.fail(ctx, log, "list user bookings failed", err, slog.String("user_id", req.UserID))
	}
	return &BookingsResponse{Bookings: toWireBookings(rows, s.slotLength)}, nil
}

func (s *SchedulingServer) ListDoctorBookings(ctx context.Context, req *ListDoctorBookingsRequest) (*BookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListDoctorBookings"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("doctor_id", req.DoctorID))
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}

	rows, err := s.svc.ListForDoctorDate(ctx, req.DoctorID, date)
	if err != nil {
		return nil, s.fail(ctx, log, "list doctor bookings failed", err,
			slog.String("doctor_id", req.DoctorID), slog.String("date", req.Date))
	}
	return &BookingsResponse{Bookings: toWireBookings(rows, s.slotLength)}, nil
}

func (s *SchedulingServer) History(ctx context.Context, req *HistoryRequest) (*BookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "History"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	rows, err := s.svc.History(ctx, scheduling.HistoryQuery{
		Kind: scheduling.HistoryKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		ID:   req.ID,
		Days: req.Days,
	})
	if err != nil {
		return nil, s.fail(ctx, log, "history failed", err, slog.String("kind", req.Kind), slog.String("id", req.ID))
	}
	return &BookingsResponse{Bookings: toWireBookings(rows, s.slotLength)}, nil
}

// fail logs err at a level matching its class and converts it to a status carrying
// an ErrorInfo reason. Unexpected errors are reported as Internal without detail.
func (s *SchedulingServer) fail(ctx context.Context, log *slog.Logger, msg string, err error, attrs ...any) error {
	st, level := statusFor(err)
	args := append([]any{slog.Any("err", err), slog.String("code", st.Code().String())}, attrs...)
	log.Log(ctx, level, msg, args...)
	return st.Err()
}

func statusFor(err error) (*status.Status, slog.Level) {
	var vErr *scheduling.ValidationError
	switch {
	case errors.As(err, &vErr):
		return withReason(codes.InvalidArgument, vErr.Error(), "INVALID_ARGUMENT"), slog.LevelWarn
	case errors.Is(err, domain.ErrInvalidWindow):
		return withReason(codes.InvalidArgument, err.Error(), "INVALID_WINDOW"), slog.LevelWarn
	case errors.Is(err, domain.ErrInvalidWeekday):
		return withReason(codes.InvalidArgument, err.Error(), "INVALID_WEEKDAY"), slog.LevelWarn
	case errors.Is(err, scheduling.ErrForbidden):
		return withReason(codes.PermissionDenied, "caller may not change this doctor's availability", "FORBIDDEN"), slog.LevelWarn
	case errors.Is(err, scheduling.ErrHorizonExceeded):
		return withReason(codes.OutOfRange, err.Error(), "HORIZON_EXCEEDED"), slog.LevelInfo
	case errors.Is(err, scheduling.ErrUnknownSlot):
		return withReason(codes.FailedPrecondition, "That time is not one of the doctor's slots on this date.", "UNKNOWN_SLOT"), slog.LevelInfo
	case errors.Is(err, store.ErrSlotFull):
		return withReason(codes.ResourceExhausted, "This slot is fully booked. Pick a different slot.", "SLOT_FULL"), slog.LevelInfo
	case errors.Is(err, store.ErrDuplicateBooking):
		return withReason(codes.AlreadyExists, "You already have a booking for this slot.", "DUPLICATE_BOOKING"), slog.LevelInfo
	case errors.Is(err, store.ErrNotFound):
		return withReason(codes.NotFound, "not found", "NOT_FOUND"), slog.LevelInfo
	case errors.Is(err, store.ErrUnavailable):
		st := withReason(codes.Unavailable, "storage temporarily unavailable, retry shortly", "STORE_UNAVAILABLE")
		if withRetry, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(retryDelay)}); derr == nil {
			st = withRetry
		}
		return st, slog.LevelError
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, "deadline exceeded"), slog.LevelWarn
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, "request cancelled"), slog.LevelInfo
	}
	return status.New(codes.Internal, "internal error"), slog.LevelError
}

func withReason(code codes.Code, msg, reason string) *status.Status {
	st := status.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain})
	if err != nil {
		return st
	}
	return detailed
}

func callerID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(callerIDHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func parseSlot(date, start string) (time.Time, domain.TimeOfDay, error) {
	d, err := domain.ParseDate(date)
	if err != nil {
		return time.Time{}, 0, errors.New("date must be YYYY-MM-DD")
	}
	t, err := domain.ParseTimeOfDay(start)
	if err != nil {
		return time.Time{}, 0, errors.New("start must be HH:MM")
	}
	return d, t, nil
}
