package visualiser

import (
	"context"
	"encoding/json"
	"log"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/psdf/internal/psdf"
)

// Response header keys set by GetLatestMap.
const (
	HeaderFrameID = "psdf-frame-id"
	HeaderHeight  = "psdf-height"
	HeaderWidth   = "psdf-width"
)

// VolumeSource is the read side of a managed volume.
type VolumeSource interface {
	Status() psdf.Status
	ExtractSurface() *psdf.Mesh
}

var _ MapServiceServer = (*Server)(nil)

// Server implements psdf.MapService on top of a Publisher.
type Server struct {
	publisher *Publisher
	source    VolumeSource
	persist   func(reason string) error
}

// NewServer creates a service. persist may be nil when snapshots are
// disabled.
func NewServer(publisher *Publisher, source VolumeSource, persist func(reason string) error) *Server {
	return &Server{publisher: publisher, source: source, persist: persist}
}

// Register registers the service on the publisher's gRPC server.
func (s *Server) Register() {
	RegisterMapServiceServer(s.publisher.GRPCServer(), s)
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	b, err := json.Marshal(s.source.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return wrapperspb.String(string(b)), nil
}

func (s *Server) GetLatestMap(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	f := s.publisher.Latest()
	if f == nil {
		return nil, status.Error(codes.Unavailable, "no map published yet")
	}
	md := metadata.Pairs(
		HeaderFrameID, strconv.FormatUint(f.FrameID, 10),
		HeaderHeight, strconv.Itoa(f.PointMap.Height),
		HeaderWidth, strconv.Itoa(f.PointMap.Width),
	)
	if err := grpc.SetHeader(ctx, md); err != nil {
		log.Printf("[gRPC] GetLatestMap: set header: %v", err)
	}
	return wrapperspb.Bytes(f.Marshal()), nil
}

func (s *Server) GetSurface(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	mesh := s.source.ExtractSurface()
	return wrapperspb.Bytes(EncodePoints(mesh.Points())), nil
}

func (s *Server) Persist(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.persist == nil {
		return nil, status.Error(codes.FailedPrecondition, "persistence is disabled")
	}
	reason := req.GetValue()
	if reason == "" {
		reason = "manual"
	}
	if err := s.persist(reason); err != nil {
		return nil, status.Errorf(codes.Internal, "persist: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// StreamMaps sends the latest frame, if any, then every published frame
// until the client goes away or the publisher stops.
func (s *Server) StreamMaps(_ *emptypb.Empty, stream MapService_StreamMapsServer) error {
	c, err := s.publisher.addClient()
	if err != nil {
		return err
	}
	defer s.publisher.removeClient(c.id)

	if f := s.publisher.Latest(); f != nil {
		if err := stream.Send(wrapperspb.Bytes(f.Marshal())); err != nil {
			return err
		}
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.doneCh:
			return nil
		case f := <-c.frameCh:
			if err := stream.Send(wrapperspb.Bytes(f.Marshal())); err != nil {
				log.Printf("[gRPC] StreamMaps send error: %v", err)
				return err
			}
		}
	}
}
