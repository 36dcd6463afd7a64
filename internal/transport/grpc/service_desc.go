package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "kokoro.scheduling.v1.Scheduling"

// SchedulingService is the server side of ServiceName.
type SchedulingService interface {
	SetAvailability(ctx context.Context, req *SetAvailabilityRequest) (*SetAvailabilityResponse, error)
	SetWindowEnabled(ctx context.Context, req *SetWindowEnabledRequest) (*SetWindowEnabledResponse, error)
	ListAvailable(ctx context.Context, req *ListAvailableRequest) (*ListAvailableResponse, error)
	Book(ctx context.Context, req *BookRequest) (*BookResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	ListUserBookings(ctx context.Context, req *ListUserBookingsRequest) (*BookingsResponse, error)
	ListDoctorBookings(ctx context.Context, req *ListDoctorBookingsRequest) (*BookingsResponse, error)
	History(ctx context.Context, req *HistoryRequest) (*BookingsResponse, error)
}

func RegisterSchedulingServer(r grpc.ServiceRegistrar, srv SchedulingService) {
	r.RegisterService(&schedulingServiceDesc, srv)
}

var schedulingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulingService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetAvailability", Handler: unaryHandler("SetAvailability", SchedulingService.SetAvailability)},
		{MethodName: "SetWindowEnabled", Handler: unaryHandler("SetWindowEnabled", SchedulingService.SetWindowEnabled)},
		{MethodName: "ListAvailable", Handler: unaryHandler("ListAvailable", SchedulingService.ListAvailable)},
		{MethodName: "Book", Handler: unaryHandler("Book", SchedulingService.Book)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", SchedulingService.Cancel)},
		{MethodName: "ListUserBookings", Handler: unaryHandler("ListUserBookings", SchedulingService.ListUserBookings)},
		{MethodName: "ListDoctorBookings", Handler: unaryHandler("ListDoctorBookings", SchedulingService.ListDoctorBookings)},
		{MethodName: "History", Handler: unaryHandler("History", SchedulingService.History)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kokoro/scheduling/v1/scheduling.json",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler[Req, Resp any](method string, call func(SchedulingService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(SchedulingService)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
