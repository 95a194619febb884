// Package bootstrap implements C7: the worker-side counterpart to launch.
// A worker dials the master, performs the HELLO/JOB_DESCRIPTOR/GO/READY
// handshake, runs the requested kernel to completion, reports DONE or FAIL,
// and waits for SHUTDOWN before exiting.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/wire"
)

// Params are the rendezvous arguments passed on the worker's command line by
// the launcher's remote-shell invocation (§4.6 step 2).
type Params struct {
	MasterHost string
	MasterPort int
	Rank       int
	Size       int
	JobID      string
	AuthNonce  string
	DialTimeout time.Duration
}

func (p *Params) setDefaults() {
	if p.DialTimeout == 0 {
		p.DialTimeout = 10 * time.Second
	}
}

// Kernel is the signature every kernel/ package dispatch function matches.
// argsBlob is the encoded Payload carried by the JOB_DESCRIPTOR; the kernel
// decodes whatever shape it expects from it.
type Kernel func(ctx context.Context, c comm.Communicator, argsBlob []byte) (*wire.Payload, error)

// Run executes the full worker lifecycle and returns the error that should
// determine the process exit code (gomperr.ExitCode), or nil on a clean run.
func Run(ctx context.Context, p Params, kernels map[string]Kernel, logger *logrus.Entry) error {
	p.setDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	addr := net.JoinHostPort(p.MasterHost, fmt.Sprintf("%d", p.MasterPort))
	dialCtx, cancelDial := context.WithTimeout(ctx, p.DialTimeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return gomperr.Errorf(gomperr.HandshakeFailure, "bootstrap: dialing master at %s: %w", addr, err)
	}

	l := link.New(conn, 0, logger)

	hello := wire.EncodeHello(int32(p.Rank), wire.HelloBody{
		JobID:       p.JobID,
		AuthNonce:   p.AuthNonce,
		ClaimedRank: int32(p.Rank),
	})
	if err := l.Send(ctx, hello); err != nil {
		_ = l.Close()
		return gomperr.Errorf(gomperr.HandshakeFailure, "bootstrap: sending HELLO: %w", err)
	}

	jd, err := awaitJobDescriptor(ctx, l)
	if err != nil {
		_ = l.Close()
		return err
	}
	if int(jd.Size) != p.Size || int(jd.Rank) != p.Rank {
		_ = l.Close()
		return gomperr.New(gomperr.HandshakeFailure, "bootstrap: JOB_DESCRIPTOR size/rank does not match launch parameters")
	}

	if err := awaitGo(ctx, l); err != nil {
		_ = l.Close()
		return err
	}

	if err := l.Send(ctx, wire.EncodeControl(wire.KindReady, int32(p.Rank), 0)); err != nil {
		_ = l.Close()
		return gomperr.Errorf(gomperr.HandshakeFailure, "bootstrap: sending READY: %w", err)
	}

	cancel := jobctl.NewCancelFlag(ctx)
	wc := comm.NewWorker(p.Rank, p.Size, l, cancel, logger)

	kernelFn, ok := kernels[jd.KernelName]
	if !ok {
		_ = wc.Fail(ctx, fmt.Sprintf("unknown kernel %q", jd.KernelName))
		waitShutdown(wc, l)
		return gomperr.Errorf(gomperr.ProtocolViolation, "bootstrap: unknown kernel %q", jd.KernelName)
	}

	result, runErr := kernelFn(ctx, wc, jd.KernelArgsBlob)
	if runErr != nil {
		_ = wc.Fail(ctx, runErr.Error())
		waitShutdown(wc, l)
		return runErr
	}

	if err := wc.Done(ctx, result); err != nil {
		logger.WithField("err", err).Warn("failed to report DONE")
	}
	waitShutdown(wc, l)
	return nil
}

func awaitJobDescriptor(ctx context.Context, l *link.Link) (wire.JobDescriptorBody, error) {
	select {
	case e, ok := <-l.Recv():
		if !ok {
			return wire.JobDescriptorBody{}, gomperr.New(gomperr.HandshakeFailure, "bootstrap: link closed before JOB_DESCRIPTOR")
		}
		if e.Kind != wire.KindJobDescriptor {
			return wire.JobDescriptorBody{}, gomperr.Errorf(gomperr.HandshakeFailure, "bootstrap: expected JOB_DESCRIPTOR, got %s", e.Kind)
		}
		return wire.DecodeJobDescriptor(e)
	case <-l.Done():
		return wire.JobDescriptorBody{}, gomperr.New(gomperr.HandshakeFailure, "bootstrap: link broken before JOB_DESCRIPTOR")
	case <-ctx.Done():
		return wire.JobDescriptorBody{}, ctx.Err()
	}
}

func awaitGo(ctx context.Context, l *link.Link) error {
	select {
	case e, ok := <-l.Recv():
		if !ok || e.Kind != wire.KindGo {
			return gomperr.New(gomperr.HandshakeFailure, "bootstrap: expected GO")
		}
		return nil
	case <-l.Done():
		return gomperr.New(gomperr.HandshakeFailure, "bootstrap: link broken before GO")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitShutdown(wc *comm.WorkerComm, l *link.Link) {
	select {
	case <-wc.ShutdownChan():
	case <-l.Done():
	}
	_ = l.Close()
}
