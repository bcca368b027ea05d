package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

/*
LEARNING: PERSISTENCE WORKER POOL

Document managers never write to the database themselves. Every N accepted
updates they hand a snapshot (content + version) to this pool and carry on.

- A fixed number of workers bounds concurrent database writes
- Submit never blocks: a full queue drops the job and the next trigger
  retries with a newer snapshot, so nothing waits on the database while
  holding a document lock
- Shutdown drains what is already queued before returning
*/

var (
	ErrPersistQueueFull = errors.New("persist queue full")
	ErrPersisterStopped = errors.New("persister stopped")
)

const saveTimeout = 10 * time.Second

// FlushJob is a snapshot of one document to write to the document store
type FlushJob struct {
	DocumentID string
	State      []byte
	Version    int64
	// OnDone, if set, is called from the worker with the save result
	OnDone func(version int64, err error)
}

// Persister writes flush jobs to the document store with a worker pool
type Persister struct {
	store   DocumentStore
	jobs    chan FlushJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPersister creates the pool. Workers start with Start.
func NewPersister(store DocumentStore, numWorkers, queueSize int) *Persister {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Persister{
		store:   store,
		jobs:    make(chan FlushJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers
func (p *Persister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Printf("✓ Persistence worker pool started with %d workers", p.workers)
}

func (p *Persister) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.process(id, job)
	}
}

func (p *Persister) process(workerID int, job FlushJob) {
	ctx, cancel := context.WithTimeout(p.ctx, saveTimeout)
	defer cancel()

	err := p.store.SaveState(ctx, job.DocumentID, job.State, job.Version)
	if err != nil {
		log.Printf("⚠️  Worker %d failed to persist document %s at version %d: %v",
			workerID, job.DocumentID, job.Version, err)
	} else {
		log.Printf("  Worker %d persisted document %s at version %d", workerID, job.DocumentID, job.Version)
	}

	if job.OnDone != nil {
		job.OnDone(job.Version, err)
	}
}

// Submit queues a job without blocking
func (p *Persister) Submit(job FlushJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPersisterStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPersistQueueFull
	}
}

// Shutdown stops accepting jobs, waits for queued jobs to finish and stops the workers
func (p *Persister) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
	p.cancel()

	log.Println("✓ Persistence worker pool stopped")
}

// GetQueueLength returns current number of pending jobs
func (p *Persister) GetQueueLength() int {
	return len(p.jobs)
}
