package visualiser

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/psdf/internal/psdf"
)

// Client is a psdf.MapService client.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a map service without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Status fetches the volume status.
func (c *Client) Status(ctx context.Context) (psdf.Status, error) {
	var st psdf.Status
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return st, err
	}
	err := json.Unmarshal([]byte(out.GetValue()), &st)
	return st, err
}

// LatestMap fetches the most recent map frame together with the response
// header.
func (c *Client) LatestMap(ctx context.Context) (*MapFrame, metadata.MD, error) {
	var header metadata.MD
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodGetLatestMap, &emptypb.Empty{}, out, grpc.Header(&header)); err != nil {
		return nil, nil, err
	}
	f, err := UnmarshalMapFrame(out.GetValue())
	return f, header, err
}

// Surface fetches the current iso-surface vertices in the world frame.
func (c *Client) Surface(ctx context.Context) ([]r3.Vec, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodGetSurface, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return DecodePoints(out.GetValue())
}

// Persist asks the server to write a snapshot.
func (c *Client) Persist(ctx context.Context, reason string) error {
	return c.cc.Invoke(ctx, methodPersist, wrapperspb.String(reason), new(emptypb.Empty))
}

// MapStream receives frames from StreamMaps.
type MapStream struct {
	cs grpc.ClientStream
}

// StreamMaps subscribes to published frames.
func (c *Client) StreamMaps(ctx context.Context) (*MapStream, error) {
	desc := &mapServiceDesc.Streams[0]
	cs, err := c.cc.NewStream(ctx, desc, methodStreamMaps)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &MapStream{cs: cs}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends the
// stream.
func (s *MapStream) Recv() (*MapFrame, error) {
	out := new(wrapperspb.BytesValue)
	if err := s.cs.RecvMsg(out); err != nil {
		return nil, err
	}
	return UnmarshalMapFrame(out.GetValue())
}
