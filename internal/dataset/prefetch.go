package dataset

import (
	"context"
	"io"
	"sync"
)

type loaded struct {
	batch Batch
	err   error
}

// Prefetcher loads batches on a background goroutine into a bounded queue.
// There is a single producer, so batches arrive in the order given.
type Prefetcher struct {
	queue  chan loaded
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// set by the producer before it closes queue
	stopErr error
}

// NewPrefetcher starts loading batches. At most queueSize loaded batches
// wait for Next at any time.
func NewPrefetcher(ctx context.Context, loader *Loader, batches [][]int, queueSize int) *Prefetcher {
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		queue:  make(chan loaded, max(queueSize, 1)),
		cancel: cancel,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.queue)
		for _, idx := range batches {
			if err := ctx.Err(); err != nil {
				p.stopErr = err
				return
			}
			b, err := loader.Load(idx)
			select {
			case p.queue <- loaded{batch: b, err: err}:
			case <-ctx.Done():
				p.stopErr = ctx.Err()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Next returns the next batch, or io.EOF once all batches were delivered.
// A producer stopped by cancellation yields the context error, never
// io.EOF.
func (p *Prefetcher) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	select {
	case l, ok := <-p.queue:
		if !ok {
			if p.stopErr != nil {
				return Batch{}, p.stopErr
			}
			return Batch{}, io.EOF
		}
		return l.batch, l.err
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit.
func (p *Prefetcher) Close() {
	p.cancel()
	// Drain so a producer blocked on a full queue can observe cancellation.
	go func() {
		for range p.queue {
		}
	}()
	p.wg.Wait()
}
