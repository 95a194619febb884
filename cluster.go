// Package gomp is the root of the runtime: process-wide configuration, the
// single-job lock, and the thin user-facing entry points (IsPrime, MatMul,
// MonteCarlo, CancelJob) that wire together launch, bootstrap, and the
// kernel packages. Everything interesting happens in the subpackages; this
// one only does orchestration.
package gomp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/launch"
	"github.com/thomasedgemon/gomp/local"
	"github.com/thomasedgemon/gomp/wire"
)

// cluster holds the process-wide state Configure establishes: a singleton
// registry guarded by a mutex, matching the option §9 names for
// process-wide state, the same shape as the teacher's package-level
// logger-instance-built-once-in-main pattern at the cmd/ layer.
type cluster struct {
	cfg    Config
	lock   *jobctl.Lock
	logger *logrus.Entry

	mu         sync.Mutex
	activeComm comm.Communicator
}

var (
	activeMu sync.Mutex
	active   *cluster
)

// Configure is the one-shot setup from §6. Calling it again replaces the
// previous configuration; it does not itself check whether a job is
// running (CancelJob/the job lock handle that).
func Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	activeMu.Lock()
	defer activeMu.Unlock()
	active = &cluster{
		cfg:    cfg,
		lock:   jobctl.NewLock(),
		logger: logrus.NewEntry(logrus.StandardLogger()),
	}
	return nil
}

func current() (*cluster, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active == nil {
		return nil, gomperr.New(gomperr.InvalidConfig, "gomp: Configure has not been called")
	}
	return active, nil
}

// CancelJob cooperatively asks the currently running job to stop (§4.4/§4.9):
// it calls RequestCancel on the job's own communicator, which both sets this
// process's cancellation flag and (when running distributed) broadcasts
// CANCEL to every worker.
func CancelJob() error {
	cs, err := current()
	if err != nil {
		return err
	}
	cs.mu.Lock()
	c := cs.activeComm
	cs.mu.Unlock()
	if c == nil {
		return gomperr.New(gomperr.InvalidConfig, "gomp: no job is running")
	}
	c.RequestCancel()
	return nil
}

// rootKernel is what each entry point supplies: rank 0's own invocation of
// the kernel against whatever Communicator withJob hands it (local or
// star-routed).
type rootKernel func(ctx context.Context, c comm.Communicator) (*wire.Payload, error)

// withJob drives one full job lifecycle per §2's data flow: acquire the
// single-job lock, launch (or go local for a zero-worker configuration),
// run the kernel on rank 0, drain outstanding workers up to drain_timeout,
// shut down, release the lock.
func withJob(ctx context.Context, kernelName string, argsBlob []byte, opts JobOptions, run rootKernel) (*wire.Payload, error) {
	cs, err := current()
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	release, err := cs.lock.Acquire(jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	cancel := jobctl.NewCancelFlag(ctx)

	if cs.cfg.NumWorkerNodes == 0 {
		c := local.New(cancel)
		cs.setActiveComm(c)
		defer cs.setActiveComm(nil)
		return run(ctx, c)
	}

	argsPayload, err := wire.DecodePayload(argsBlob)
	if err != nil {
		return nil, err
	}

	authNonce := uuid.New().String()
	done := make(chan struct{}, cs.cfg.NumWorkerNodes)
	notify := func(int) { done <- struct{}{} }
	cb := comm.Callbacks{
		OnDone:     func(rank int, _ *wire.Payload) { notify(rank) },
		OnFail:     func(rank int, _ string) { notify(rank) },
		OnPeerLost: func(rank int, _ error) { notify(rank) },
	}

	opts2 := launch.Options{
		Hosts:            cs.cfg.Hosts,
		AdvertiseHost:    cs.cfg.MasterNode,
		WorkerBinary:     cs.cfg.PythonExecutable,
		BootstrapTimeout: opts.bootstrapTimeout(),
		Logger:           cs.logger,
	}

	sess, err := launch.Launch(ctx, opts2, jobID, authNonce, kernelName, argsPayload, cancel, cb)
	if err != nil {
		return nil, err
	}
	cs.setActiveComm(sess.Comm)
	defer cs.setActiveComm(nil)

	result, runErr := run(ctx, sess.Comm)

	drainUntil := time.After(opts.drainTimeout())
	remaining := cs.cfg.NumWorkerNodes
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-drainUntil:
			remaining = 0
		}
	}

	sess.Shutdown(ctx)
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (cs *cluster) setActiveComm(c comm.Communicator) {
	cs.mu.Lock()
	cs.activeComm = c
	cs.mu.Unlock()
}
