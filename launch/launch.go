// Package launch implements C6: the master-side launcher. It opens a
// rendezvous listener, fans out remote-shell invocations of the worker
// bootstrap to every host, accepts and handshakes each worker's connection,
// and hands back a ready-to-use communicator. Partial failure at any stage
// aborts the whole launch; no partial groups are left running (§4.6).
package launch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/wire"
)

// DefaultBootstrapTimeout is §5's default for step 4/5 of the launch
// procedure.
const DefaultBootstrapTimeout = 60 * time.Second

// CommandBuilder constructs the remote-shell argv that invokes the worker
// bootstrap on host with the given rendezvous parameters. The default,
// buildSSHCommand, shells out to ssh the way the teacher's process-launch
// helpers shell out to arbitrary binaries via os/exec.
type CommandBuilder func(host string, rank, size int, masterHost string, masterPort int, jobID, authNonce string) []string

// Options configures a single launch.
type Options struct {
	Hosts            []string // one remote host per worker, assigned ranks 1..len(Hosts)
	AdvertiseHost    string   // address workers can reach the master on
	WorkerBinary     string   // path to the worker bootstrap binary on each remote host
	SSHBinary        string   // default "ssh"
	BuildCommand     CommandBuilder
	BootstrapTimeout time.Duration
	Logger           *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.SSHBinary == "" {
		o.SSHBinary = "ssh"
	}
	if o.BootstrapTimeout == 0 {
		o.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.BuildCommand == nil {
		o.BuildCommand = o.buildSSHCommand
	}
}

func (o *Options) buildSSHCommand(host string, rank, size int, masterHost string, masterPort int, jobID, authNonce string) []string {
	return []string{
		o.SSHBinary, host, o.WorkerBinary,
		"--mode", "worker",
		"--master-host", masterHost,
		"--master-port", strconv.Itoa(masterPort),
		"--rank", strconv.Itoa(rank),
		"--size", strconv.Itoa(size),
		"--job-id", jobID,
		"--auth-nonce", authNonce,
	}
}

// Session is a running launch: the communicator it produced plus everything
// needed to tear it down.
type Session struct {
	Comm *comm.MasterComm

	listener net.Listener
	shells   []*shell
	logger   *logrus.Entry
}

type shell struct {
	host   string
	rank   int
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

// Launch performs the full C6 procedure: listen, invoke, fan out, accept,
// handshake, and return a communicator spanning rank 0 plus every worker.
func Launch(ctx context.Context, opts Options, jobID, authNonce string, kernelName string, kernelArgs wire.Payload, cancel *jobctl.CancelFlag, cb comm.Callbacks) (*Session, error) {
	opts.setDefaults()
	size := len(opts.Hosts) + 1
	if size < 2 {
		return nil, gomperr.New(gomperr.InvalidConfig, "launch: at least one worker host is required")
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", ":0")
	if err != nil {
		return nil, gomperr.Errorf(gomperr.Internal, "launch: listen: %w", err)
	}
	masterPort := listener.Addr().(*net.TCPAddr).Port

	sess := &Session{listener: listener, logger: opts.Logger}

	shells, err := spawnShells(ctx, opts, masterPort, size, jobID, authNonce)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	sess.shells = shells

	links, err := acceptAndHandshake(ctx, listener, opts, size, jobID, authNonce, kernelName, kernelArgs)
	if err != nil {
		sess.abort(ctx, links)
		return nil, err
	}

	sess.Comm = comm.NewMaster(size, links, cancel, cb, opts.Logger)
	return sess, nil
}

func spawnShells(ctx context.Context, opts Options, masterPort, size int, jobID, authNonce string) ([]*shell, error) {
	shells := make([]*shell, len(opts.Hosts))
	var mu sync.Mutex
	var errs error

	var wg sync.WaitGroup
	for i, host := range opts.Hosts {
		i, host := i, host
		rank := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			argv := opts.BuildCommand(host, rank, size, opts.AdvertiseHost, masterPort, jobID, authNonce)
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Start(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("host %s (rank %d): %w", host, rank, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			shells[i] = &shell{host: host, rank: rank, cmd: cmd, stderr: &stderr}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if errs != nil {
		for _, s := range shells {
			if s != nil && s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		return nil, gomperr.Errorf(gomperr.HandshakeFailure, "launch: failed to start remote shells: %w", errs)
	}
	return shells, nil
}

// acceptAndHandshake runs launch steps 4 and 5: accept num_worker_nodes
// connections within the bootstrap timeout, validate each HELLO, then drive
// the JOB_DESCRIPTOR/GO/READY handshake directly over the raw links (the
// comm router isn't started until every rank is ready).
func acceptAndHandshake(ctx context.Context, listener net.Listener, opts Options, size int, jobID, authNonce, kernelName string, kernelArgs wire.Payload) (map[int32]*link.Link, error) {
	deadline, cancel := context.WithTimeout(ctx, opts.BootstrapTimeout)
	defer cancel()

	type accepted struct {
		conn net.Conn
		err  error
	}
	connCh := make(chan accepted)
	go func() {
		for {
			conn, err := listener.Accept()
			select {
			case connCh <- accepted{conn, err}:
			case <-deadline.Done():
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				return
			}
		}
	}()

	links := make(map[int32]*link.Link, size-1)
	var errs error
	numWorkers := size - 1

	for len(links) < numWorkers {
		select {
		case a := <-connCh:
			if a.err != nil {
				errs = multierror.Append(errs, a.err)
				continue
			}
			rank, hb, err := readHello(a.conn, jobID, authNonce)
			if err != nil {
				errs = multierror.Append(errs, err)
				_ = a.conn.Close()
				continue
			}
			if rank < 1 || rank >= int32(size) {
				errs = multierror.Append(errs, fmt.Errorf("claimed rank %d out of range for size %d", rank, size))
				_ = a.conn.Close()
				continue
			}
			if _, dup := links[rank]; dup {
				errs = multierror.Append(errs, fmt.Errorf("duplicate claimed rank %d", rank))
				_ = a.conn.Close()
				continue
			}
			_ = hb
			links[rank] = link.New(a.conn, rank, opts.Logger)
		case <-deadline.Done():
			closeAll(links)
			return nil, gomperr.Errorf(gomperr.BootstrapTimeout, "launch: timed out waiting for workers: %w", errs)
		}
	}

	if err := handshake(deadline, links, size, jobID, kernelName, kernelArgs); err != nil {
		closeAll(links)
		return nil, err
	}
	return links, nil
}

func readHello(conn net.Conn, jobID, authNonce string) (int32, wire.HelloBody, error) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return 0, wire.HelloBody{}, gomperr.Errorf(gomperr.HandshakeFailure, "reading HELLO: %w", err)
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return 0, wire.HelloBody{}, err
	}
	if env.Kind != wire.KindHello {
		return 0, wire.HelloBody{}, gomperr.Errorf(gomperr.HandshakeFailure, "expected HELLO, got %s", env.Kind)
	}
	hb, err := wire.DecodeHello(env)
	if err != nil {
		return 0, wire.HelloBody{}, err
	}
	if hb.JobID != jobID || hb.AuthNonce != authNonce {
		return 0, wire.HelloBody{}, gomperr.New(gomperr.HandshakeFailure, "HELLO job_id/auth_nonce mismatch")
	}
	return hb.ClaimedRank, hb, nil
}

func handshake(ctx context.Context, links map[int32]*link.Link, size int, jobID, kernelName string, kernelArgs wire.Payload) error {
	argsBlob := wire.EncodePayload(kernelArgs)
	for rank, l := range links {
		jd := wire.EncodeJobDescriptor(wire.JobDescriptorBody{
			JobID:          jobID,
			KernelName:     kernelName,
			KernelArgsBlob: argsBlob,
			Size:           int32(size),
			Rank:           rank,
		})
		if err := l.Send(ctx, jd); err != nil {
			return gomperr.Errorf(gomperr.HandshakeFailure, "sending JOB_DESCRIPTOR to rank %d: %w", rank, err)
		}
		if err := l.Send(ctx, wire.EncodeControl(wire.KindGo, 0, rank)); err != nil {
			return gomperr.Errorf(gomperr.HandshakeFailure, "sending GO to rank %d: %w", rank, err)
		}
	}

	var errs error
	for rank, l := range links {
		select {
		case e, ok := <-l.Recv():
			if !ok || e.Kind != wire.KindReady {
				errs = multierror.Append(errs, fmt.Errorf("rank %d: expected READY, got closed/other", rank))
			}
		case <-l.Done():
			errs = multierror.Append(errs, fmt.Errorf("rank %d: link broken before READY", rank))
		case <-ctx.Done():
			return gomperr.Errorf(gomperr.BootstrapTimeout, "timed out waiting for READY from rank %d", rank)
		}
	}
	if errs != nil {
		return gomperr.Errorf(gomperr.HandshakeFailure, "launch: handshake failed: %w", errs)
	}
	return nil
}

func closeAll(links map[int32]*link.Link) {
	for _, l := range links {
		_ = l.Close()
	}
}

// abort is the partial-failure teardown path: whatever links got far enough
// to exist are sent SHUTDOWN and closed, and every spawned shell is reaped.
func (s *Session) abort(ctx context.Context, links map[int32]*link.Link) {
	for _, l := range links {
		_ = l.Send(ctx, wire.EncodeControl(wire.KindShutdown, 0, l.Peer()))
		_ = l.Close()
	}
	s.reapShells()
	_ = s.listener.Close()
}

// Shutdown runs launch step 7: broadcast SHUTDOWN, close links, reap remote
// shells, close the listener. The job lock itself is released by the caller,
// which is the only layer that acquired it.
func (s *Session) Shutdown(ctx context.Context) {
	if s.Comm != nil {
		s.Comm.Shutdown(ctx)
	}
	s.reapShells()
	_ = s.listener.Close()
}

func (s *Session) reapShells() {
	var wg sync.WaitGroup
	for _, sh := range s.shells {
		if sh == nil || sh.cmd.Process == nil {
			continue
		}
		sh := sh
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- sh.cmd.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					s.logger.WithField("host", sh.host).WithField("rank", sh.rank).
						WithField("stderr", sh.stderr.String()).WithField("err", err).
						Warn("remote shell exited with error")
				}
			case <-time.After(10 * time.Second):
				_ = sh.cmd.Process.Kill()
				<-done
			}
		}()
	}
	wg.Wait()
}
