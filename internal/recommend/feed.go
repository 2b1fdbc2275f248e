package recommend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/adaptive.scan/internal/monitoring"
)

const (
	feedServiceName = "adaptivescan.RecommendationFeed"

	methodRecommend    = "/" + feedServiceName + "/Recommend"
	methodTerminate    = "/" + feedServiceName + "/Terminate"
	methodMeasurements = "/" + feedServiceName + "/Measurements"

	// subscriberBuffer is how many measurement events a slow stream may fall
	// behind before events are dropped for it.
	subscriberBuffer = 64
)

// FeedServer is the server side of the recommendation feed. Recommend queues
// a mapping, Terminate queues the sentinel and Measurements streams every
// measurement the scan records.
type FeedServer interface {
	Recommend(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Terminate(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Measurements(*emptypb.Empty, grpc.ServerStream) error
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: feedServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Recommend", Handler: recommendHandler},
		{MethodName: "Terminate", Handler: terminateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Measurements", Handler: measurementsHandler, ServerStreams: true},
	},
	Metadata: "adaptivescan/feed.proto",
}

func recommendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).Recommend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRecommend}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServer).Recommend(ctx, req.(*structpb.Struct))
	})
}

func terminateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).Terminate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTerminate}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServer).Terminate(ctx, req.(*emptypb.Empty))
	})
}

func measurementsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FeedServer).Measurements(in, stream)
}

// Ensure Feed implements the gRPC interface.
var _ FeedServer = (*Feed)(nil)

// Feed is the gRPC front of a Queue. It also fans measurement events out to
// every connected Measurements stream. A stream that connects mid-batch
// first receives the latest event, so a recommender that joins after a
// measurement was published can still answer it.
type Feed struct {
	queue *Queue

	subscribersMu sync.Mutex
	subscribers   map[string]chan *structpb.Struct
	latest        *structpb.Struct
}

// NewFeed returns a feed that puts into q.
func NewFeed(q *Queue) *Feed {
	return &Feed{queue: q, subscribers: make(map[string]chan *structpb.Struct)}
}

// Register attaches the feed service to s.
func (f *Feed) Register(s *grpc.Server) {
	s.RegisterService(&feedServiceDesc, f)
}

// Recommend queues a mapping. Every field must be a number.
func (f *Feed) Recommend(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if len(in.GetFields()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "recommendation has no values")
	}
	values := make(map[string]float64, len(in.GetFields()))
	for name, v := range in.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "value for %q is not a number", name)
		}
		values[name] = n.NumberValue
	}
	r := New(values)
	if err := f.put(r); err != nil {
		return nil, err
	}
	monitoring.Logf("[feed] queued recommendation %s", r)
	return &emptypb.Empty{}, nil
}

// Terminate queues the termination sentinel.
func (f *Feed) Terminate(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if err := f.put(Terminate()); err != nil {
		return nil, err
	}
	monitoring.Logf("[feed] queued termination")
	return &emptypb.Empty{}, nil
}

func (f *Feed) put(r Recommendation) error {
	if err := f.queue.Put(r); err != nil {
		if errors.Is(err, ErrClosed) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

// Measurements streams measurement events until the client goes away.
func (f *Feed) Measurements(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch := f.subscribe()
	defer f.unsubscribe(id)
	monitoring.Logf("[feed] measurement stream %s connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[feed] measurement stream %s closed", id)
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}

func (f *Feed) subscribe() (string, chan *structpb.Struct) {
	id := uuid.NewString()
	ch := make(chan *structpb.Struct, subscriberBuffer)
	f.subscribersMu.Lock()
	defer f.subscribersMu.Unlock()
	if f.latest != nil {
		ch <- f.latest
	}
	f.subscribers[id] = ch
	return id, ch
}

func (f *Feed) unsubscribe(id string) {
	f.subscribersMu.Lock()
	defer f.subscribersMu.Unlock()
	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}

// Subscribers returns the number of connected measurement streams.
func (f *Feed) Subscribers() int {
	f.subscribersMu.Lock()
	defer f.subscribersMu.Unlock()
	return len(f.subscribers)
}

// Publish sends a measurement event to every connected stream and keeps it
// for streams that connect later. Streams that have fallen behind miss the
// event.
func (f *Feed) Publish(fields map[string]any) error {
	ev, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode measurement event: %w", err)
	}
	f.subscribersMu.Lock()
	defer f.subscribersMu.Unlock()
	f.latest = ev
	for id, ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
			monitoring.Logf("[feed] warning: measurement stream %s is full, dropping event", id)
		}
	}
	return nil
}

// Close ends every measurement stream.
func (f *Feed) Close() {
	f.subscribersMu.Lock()
	defer f.subscribersMu.Unlock()
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
}

// FeedClient talks to a Feed over a client connection.
type FeedClient struct {
	cc grpc.ClientConnInterface
}

// NewFeedClient wraps cc.
func NewFeedClient(cc grpc.ClientConnInterface) *FeedClient {
	return &FeedClient{cc: cc}
}

// Recommend sends one mapping.
func (c *FeedClient) Recommend(ctx context.Context, values map[string]float64, opts ...grpc.CallOption) error {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, methodRecommend, in, new(emptypb.Empty), opts...)
}

// Terminate sends the termination sentinel.
func (c *FeedClient) Terminate(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodTerminate, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// MeasurementStream receives measurement events.
type MeasurementStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the server ends the
// stream.
func (s *MeasurementStream) Recv() (map[string]any, error) {
	ev := new(structpb.Struct)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev.AsMap(), nil
}

// Measurements opens a measurement stream. It ends when ctx is cancelled.
func (c *FeedClient) Measurements(ctx context.Context, opts ...grpc.CallOption) (*MeasurementStream, error) {
	stream, err := c.cc.NewStream(ctx, &feedServiceDesc.Streams[0], methodMeasurements, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &MeasurementStream{stream: stream}, nil
}

// IsEndOfStream reports whether err marks a cleanly finished stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
