package media

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Pool holds a fixed set of media workers and hands them out round-robin.
// Rooms are pinned to whichever worker Next returned at creation time.
type Pool struct {
	workers []*Worker
	next    atomic.Uint32
}

// NewPool spawns count workers. onDied is shared by every worker; it fires
// at most once per worker that exits without being closed. If any spawn
// fails the already-started workers are torn down.
func NewPool(ctx context.Context, count int, settings Settings, onDied func(error)) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	p := &Pool{workers: make([]*Worker, 0, count)}
	for i := 0; i < count; i++ {
		w, err := NewWorker(ctx, settings)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn worker %d/%d: %w", i+1, count, err)
		}
		w.OnDied(onDied)
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() *Worker {
	n := p.next.Add(1) - 1
	return p.workers[int(n)%len(p.workers)]
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Alive counts workers whose process is still running.
func (p *Pool) Alive() int {
	n := 0
	for _, w := range p.workers {
		if !w.Closed() {
			n++
		}
	}
	return n
}

// Close shuts every worker down deliberately.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
