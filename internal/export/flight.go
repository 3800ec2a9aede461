package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

// ErrClosed is returned by Publish after a publisher has been closed.
var ErrClosed = errors.New("publisher closed")

const defaultPublishTimeout = 30 * time.Second

// Publisher ships result record batches to a collector. Callers build
// the batch with BuildRecord and keep ownership of it.
type Publisher interface {
	Publish(ctx context.Context, runID string, rec arrow.Record) error
	Close() error
}

var (
	_ Publisher = (*FlightPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)

// FlightPublisher pushes record batches to an Arrow Flight endpoint over
// an insecure gRPC channel. The connection is established on first use
// and reused afterwards.
type FlightPublisher struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	client flight.Client
	closed bool
}

// NewFlightPublisher creates a publisher for the given host:port address.
func NewFlightPublisher(addr string) *FlightPublisher {
	return &FlightPublisher{addr: addr, timeout: defaultPublishTimeout}
}

func (p *FlightPublisher) connect() (flight.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	client, err := flight.NewClientWithMiddleware(p.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", p.addr, err)
	}
	p.client = client
	return client, nil
}

// Publish sends one batch via DoPut. The descriptor path is
// ["lens", runID] so the collector can key batches by run.
func (p *FlightPublisher) Publish(ctx context.Context, runID string, rec arrow.Record) (err error) {
	defer func() { metrics.RecordFlightPublish(err) }()

	client, err := p.connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open DoPut stream: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"lens", runID},
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("send record batch: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("close record writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}
	// Drain the ack so server-side failures surface here.
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("flight ack: %w", err)
	}

	logger.Log.Info("published result batch",
		"addr", p.addr, "run_id", runID, "rows", rec.NumRows())
	return nil
}

// Close tears down the gRPC connection. Subsequent publishes fail.
func (p *FlightPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// MemoryPublisher collects published batches in process, keyed by run id.
// It stands in for a Flight collector in tests and dry runs.
type MemoryPublisher struct {
	mu     sync.RWMutex
	closed bool
	runs   map[string]arrow.Record
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{runs: make(map[string]arrow.Record)}
}

// Publish retains the record and stores it under runID, replacing any
// earlier batch for the same run.
func (p *MemoryPublisher) Publish(ctx context.Context, runID string, rec arrow.Record) error {
	if err := ctx.Err(); err != nil {
		metrics.RecordFlightPublish(err)
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		metrics.RecordFlightPublish(ErrClosed)
		return ErrClosed
	}
	if old, ok := p.runs[runID]; ok {
		old.Release()
	}
	rec.Retain()
	p.runs[runID] = rec
	metrics.RecordFlightPublish(nil)
	return nil
}

// Get returns the stored batch for a run. The publisher keeps ownership.
func (p *MemoryPublisher) Get(runID string) (arrow.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.runs[runID]
	return rec, ok
}

// Len reports the number of stored runs.
func (p *MemoryPublisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runs)
}

// Close releases all stored batches.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rec := range p.runs {
		rec.Release()
		delete(p.runs, id)
	}
	p.closed = true
	return nil
}
