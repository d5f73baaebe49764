package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tunnel.report/internal/tunnel/scan"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("pipeline: dispatcher closed")

// DefaultQueueSize is the per-device backlog before Submit blocks.
const DefaultQueueSize = 16

// Dispatcher fans scans out to one worker goroutine per device, so each
// device's scans are processed in submission order by a single writer.
type Dispatcher struct {
	ctx      context.Context
	proc     *Processor
	onResult func(Result)
	size     int

	// sendMu is held for reading across a send and for writing while the
	// queues are closed.
	sendMu sync.RWMutex
	mu     sync.Mutex
	closed bool
	queues map[string]chan *scan.Message
	group  errgroup.Group
}

// NewDispatcher returns a Dispatcher feeding proc. onResult, if non-nil, is
// called from the worker goroutines, concurrently across devices. Workers
// stop between scans once ctx is done.
func NewDispatcher(ctx context.Context, proc *Processor, onResult func(Result)) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		proc:     proc,
		onResult: onResult,
		size:     DefaultQueueSize,
		queues:   make(map[string]chan *scan.Message),
	}
}

// Submit queues msg on its device's worker, starting the worker on first
// use. It blocks while the queue is full and gives up when the context is
// done.
func (d *Dispatcher) Submit(msg *scan.Message) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	q, err := d.queue(msg.Structure.DeviceID)
	if err != nil {
		return err
	}
	select {
	case q <- msg:
		return nil
	case <-d.ctx.Done():
		return d.ctx.Err()
	}
}

func (d *Dispatcher) queue(deviceID string) (chan *scan.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if q, ok := d.queues[deviceID]; ok {
		return q, nil
	}
	q := make(chan *scan.Message, d.size)
	d.queues[deviceID] = q
	d.group.Go(func() error { return d.work(q) })
	return q, nil
}

func (d *Dispatcher) work(q <-chan *scan.Message) error {
	for msg := range q {
		if err := d.ctx.Err(); err != nil {
			return err
		}
		res := d.proc.Process(d.ctx, msg)
		if d.onResult != nil {
			d.onResult(res)
		}
	}
	return nil
}

// Devices returns the number of devices with a running worker.
func (d *Dispatcher) Devices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting scans, lets the workers drain their queues and waits
// for them. It returns the context error if the workers were cancelled.
func (d *Dispatcher) Close() error {
	d.sendMu.Lock()
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.sendMu.Unlock()
	return d.group.Wait()
}
