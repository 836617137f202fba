package visualiser

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/psdf/internal/monitoring"
)

// Config holds configuration for the map publisher.
type Config struct {
	// ListenAddr is the gRPC listen address (e.g. "localhost:50061").
	ListenAddr string

	// MaxClients caps concurrent StreamMaps subscribers.
	MaxClients int

	// QueueSize is the depth of the broadcast queue and of each client queue.
	QueueSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50061",
		MaxClients: 5,
		QueueSize:  8,
	}
}

// Publisher owns the gRPC server and fans map frames out to subscribers.
// Slow consumers lose frames; the producer never blocks.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameCh   chan *MapFrame
	latest    atomic.Pointer[MapFrame]
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	frameCh chan *MapFrame
	doneCh  chan struct{}
}

// NewPublisher creates a publisher. Services are registered on GRPCServer
// before Start.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	const maxMsgSize = 16 * 1024 * 1024
	return &Publisher{
		config:  cfg,
		server:  grpc.NewServer(grpc.MaxRecvMsgSize(maxMsgSize), grpc.MaxSendMsgSize(maxMsgSize)),
		frameCh: make(chan *MapFrame, cfg.QueueSize),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
	}
}

// GRPCServer returns the underlying server for service registration.
func (p *Publisher) GRPCServer() *grpc.Server { return p.server }

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.StartListener(lis)
}

// StartListener serves on an existing listener.
func (p *Publisher) StartListener(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[Visualiser] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Visualiser] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	p.server.GracefulStop()
	p.wg.Wait()
	log.Printf("[Visualiser] gRPC server stopped")
}

// Publish queues a frame for broadcast and records it as the latest frame.
func (p *Publisher) Publish(f *MapFrame) {
	if f == nil {
		return
	}
	p.latest.Store(f)
	if !p.running.Load() {
		return
	}
	select {
	case p.frameCh <- f:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.MapsDropped.Inc()
		if dropped == 1 || dropped%100 == 0 {
			log.Printf("[Visualiser] DROPPED frame %d (total dropped: %d), queue full", f.FrameID, dropped)
		}
	}
}

// Latest returns the most recently published frame, or nil.
func (p *Publisher) Latest() *MapFrame { return p.latest.Load() }

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.frameCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- f:
				default:
					p.droppedFrames.Add(1)
					monitoring.MapsDropped.Inc()
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return nil, status.Error(codes.Unavailable, "publisher stopped")
	}
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "max clients (%d) reached", p.config.MaxClients)
	}
	c := &clientStream{
		id:      fmt.Sprintf("grpc-%d-%d", time.Now().UnixNano(), p.nextID.Add(1)),
		frameCh: make(chan *MapFrame, p.config.QueueSize),
		doneCh:  make(chan struct{}),
	}
	p.clients[c.id] = c
	p.clientCount.Add(1)
	log.Printf("[Visualiser] Client connected: %s (total: %d)", c.id, p.clientCount.Load())
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if c, ok := p.clients[id]; ok {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientCount.Add(-1)
	log.Printf("[Visualiser] Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount   uint64
	DroppedCount uint64
	ClientCount  int32
	Running      bool
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:   p.frameCount.Load(),
		DroppedCount: p.droppedFrames.Load(),
		ClientCount:  p.clientCount.Load(),
		Running:      p.running.Load(),
	}
}
