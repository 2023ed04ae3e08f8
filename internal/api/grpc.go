package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tradedesk/internal/eventbus"
)

// KindsMetadataKey carries a comma separated event kind filter on a
// Subscribe call. No key means every kind.
const KindsMetadataKey = "x-event-kinds"

const subscribeMethod = "/tradedesk.v1.Events/Subscribe"

// EventsServer is the server API for the tradedesk.v1.Events service.
type EventsServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// EventsServiceDesc describes the tradedesk.v1.Events service. Messages are
// well-known protobuf types so no generated code is needed.
var EventsServiceDesc = grpc.ServiceDesc{
	ServiceName: "tradedesk.v1.Events",
	HandlerType: (*EventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tradedesk/v1/events.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(EventsServer).Subscribe(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// EventService streams bus events to gRPC subscribers.
type EventService struct {
	bus     *eventbus.Bus
	bufSize int
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventService creates an EventService over bus. Each subscriber gets its
// own channel subscription of bufSize events.
func NewEventService(bus *eventbus.Bus, bufSize int, log *slog.Logger) *EventService {
	if log == nil {
		log = slog.Default()
	}
	return &EventService{
		bus:     bus,
		bufSize: bufSize,
		log:     log.With("component", "grpc-events"),
		done:    make(chan struct{}),
	}
}

// RegisterGRPC registers the service on gs.
func (s *EventService) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&EventsServiceDesc, s)
}

// Close ends every open Subscribe stream.
func (s *EventService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Subscribe streams events until the client goes away or the service is
// closed.
func (s *EventService) Subscribe(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	var kinds []eventbus.Kind
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, v := range md.Get(KindsMetadataKey) {
			for k := range parseKinds(v) {
				kinds = append(kinds, k)
			}
		}
	}

	id, events := s.bus.SubscribeChan(s.bufSize, kinds...)
	defer s.bus.Unsubscribe(id)
	s.log.Info("event subscriber connected", "kinds", kinds)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := eventToStruct(ev)
			if err != nil {
				s.log.Error("encoding event", "kind", ev.Kind, "error", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func eventToStruct(ev eventbus.Event) (*structpb.Struct, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToEvent(s *structpb.Struct) (eventbus.Event, error) {
	var ev eventbus.Event
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(raw, &ev)
	return ev, err
}

// EventsClient consumes the tradedesk.v1.Events stream.
type EventsClient struct {
	conn  grpc.ClientConnInterface
	close func() error
}

// NewEventsClient wraps an existing connection.
func NewEventsClient(conn grpc.ClientConnInterface) *EventsClient {
	return &EventsClient{conn: conn, close: func() error { return nil }}
}

// DialEvents connects to the gRPC server at addr without transport security.
func DialEvents(addr string) (*EventsClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &EventsClient{conn: conn, close: conn.Close}, nil
}

// Close releases the underlying connection if the client owns it.
func (c *EventsClient) Close() error { return c.close() }

// Subscribe streams events to fn until ctx is cancelled, the server ends the
// stream or fn returns an error.
func (c *EventsClient) Subscribe(ctx context.Context, kinds []eventbus.Kind, fn func(eventbus.Event) error) error {
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, KindsMetadataKey, strings.Join(names, ","))
	}

	stream, err := c.conn.NewStream(ctx, &EventsServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		ev, err := structToEvent(msg)
		if err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
