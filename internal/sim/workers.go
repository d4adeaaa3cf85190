package sim

import (
	"runtime"
	"sync"

	"gravtree/internal/sim/spatial"
)

// Bodies below this count are walked sequentially; chunk overhead dominates.
const parallelThreshold = 64

// ForcePool manages a pool of goroutines for the force phase.
//
// Each job covers a contiguous range of bodies and writes only to that range
// of the output slice. The tree and positions are read-only while jobs run.
type ForcePool struct {
	numWorkers int
	jobChan    chan forceJob
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

// forceJob is one chunk of the force phase.
type forceJob struct {
	tree       *spatial.Quadtree
	pos        []spatial.Vec2
	out        []spatial.Vec2
	params     spatial.ForceParams
	lo, hi     int
	resultChan chan<- struct{}
}

// NewForcePool creates a pool with the given number of workers.
// If numWorkers is 0, it defaults to NumCPU.
func NewForcePool(numWorkers int) *ForcePool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	// Cap at reasonable maximum
	if numWorkers > 16 {
		numWorkers = 16
	}

	return &ForcePool{
		numWorkers: numWorkers,
		jobChan:    make(chan forceJob, numWorkers*2),
	}
}

// Start launches the workers.
func (p *ForcePool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		go p.worker()
	}
}

// Stop drains and stops the workers.
func (p *ForcePool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.jobChan)
	p.wg.Wait()
}

func (p *ForcePool) worker() {
	defer p.wg.Done()

	for job := range p.jobChan {
		accelerationRange(job.tree, job.pos, job.out, job.params, job.lo, job.hi)
		job.resultChan <- struct{}{}
	}
}

// Accelerations fills out[i] with the acceleration of body i for every body.
// Results are identical to a sequential walk since every body is computed
// independently against the same tree.
func (p *ForcePool) Accelerations(tree *spatial.Quadtree, pos, out []spatial.Vec2, params spatial.ForceParams) {
	n := len(pos)
	if n == 0 {
		return
	}

	p.mu.Lock()
	// Hold the lock while submitting so Stop cannot close the channel under us.
	defer p.mu.Unlock()

	if !p.running || n < parallelThreshold {
		accelerationRange(tree, pos, out, params, 0, n)
		return
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	numJobs := 0
	resultChan := make(chan struct{}, p.numWorkers)

	for lo := 0; lo < n; lo += chunkSize {
		hi := lo + chunkSize
		if hi > n {
			hi = n
		}

		job := forceJob{tree: tree, pos: pos, out: out, params: params, lo: lo, hi: hi, resultChan: resultChan}
		select {
		case p.jobChan <- job:
			numJobs++
		default:
			// Channel full, compute inline
			accelerationRange(tree, pos, out, params, lo, hi)
		}
	}

	for i := 0; i < numJobs; i++ {
		<-resultChan
	}
}

// accelerationRange walks the tree for bodies [lo, hi).
func accelerationRange(tree *spatial.Quadtree, pos, out []spatial.Vec2, params spatial.ForceParams, lo, hi int) {
	for i := lo; i < hi; i++ {
		out[i] = tree.Acceleration(i, pos[i], params)
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *ForcePool) NumWorkers() int {
	return p.numWorkers
}

// IsRunning returns whether the pool is currently running.
func (p *ForcePool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
