package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls a remote scheduling service over a connection that has the json
// codec available.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetAvailability(ctx context.Context, in *SetAvailabilityRequest, opts ...grpc.CallOption) (*SetAvailabilityResponse, error) {
	return invoke[SetAvailabilityResponse](ctx, c.cc, "SetAvailability", in, opts)
}

func (c *Client) SetWindowEnabled(ctx context.Context, in *SetWindowEnabledRequest, opts ...grpc.CallOption) (*SetWindowEnabledResponse, error) {
	return invoke[SetWindowEnabledResponse](ctx, c.cc, "SetWindowEnabled", in, opts)
}

func (c *Client) ListAvailable(ctx context.Context, in *ListAvailableRequest, opts ...grpc.CallOption) (*ListAvailableResponse, error) {
	return invoke[ListAvailableResponse](ctx, c.cc, "ListAvailable", in, opts)
}

func (c *Client) Book(ctx context.Context, in *BookRequest, opts ...grpc.CallOption) (*BookResponse, error) {
	return invoke[BookResponse](ctx, c.cc, "Book", in, opts)
}

func (c *Client) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, "Cancel", in, opts)
}

func (c *Client) ListUserBookings(ctx context.Context, in *ListUserBookingsRequest, opts ...grpc.CallOption) (*BookingsResponse, error) {
	return invoke[BookingsResponse](ctx, c.cc, "ListUserBookings", in, opts)
}

func (c *Client) ListDoctorBookings(ctx context.Context, in *ListDoctorBookingsRequest, opts ...grpc.CallOption) (*BookingsResponse, error) {
	return invoke[BookingsResponse](ctx, c.cc, "ListDoctorBookings", in, opts)
}

func (c *Client) History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*BookingsResponse, error) {
	return invoke[BookingsResponse](ctx, c.cc, "History", in, opts)
}
