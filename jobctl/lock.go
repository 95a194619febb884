package jobctl

import (
	"sync"
	"time"

	"github.com/thomasedgemon/gomp/gomperr"
)

// LockState mirrors §3's job lock state machine.
type LockState struct {
	JobID     string
	StartedAt time.Time
}

// Lock is a single-entry exclusion lock on the master ensuring at most one
// active job at a time (P4). Release is idempotent and safe to call on every
// exit path, matching the teacher's scoped-acquisition pattern for job
// coordinators (defer cancelJobCtx(); wg.Wait()).
type Lock struct {
	mu      sync.Mutex
	running *LockState
}

// NewLock creates an idle job lock.
func NewLock() *Lock { return &Lock{} }

// Acquire transitions idle -> running(jobID, now) or fails with busy if a
// job is already running. On success it returns a release function that
// transitions back to idle; the caller must defer it on every exit path.
func (l *Lock) Acquire(jobID string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running != nil {
		return nil, gomperr.Errorf(gomperr.Busy, "job %q is already running", l.running.JobID)
	}
	l.running = &LockState{JobID: jobID, StartedAt: time.Now()}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.running = nil
			l.mu.Unlock()
		})
	}, nil
}

// State returns the current lock state, or nil if idle.
func (l *Lock) State() *LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running == nil {
		return nil
	}
	cp := *l.running
	return &cp
}
