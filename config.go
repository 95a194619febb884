package gomp

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/thomasedgemon/gomp/gomperr"
	"golang.org/x/xerrors"
)

// Config is the one-shot setup accepted by Configure (§6): exactly this
// field set, validated with the teacher's multierror pattern
// (dbspgraph's MasterConfig.Validate/WorkerConfig.Validate).
type Config struct {
	MasterNode         string
	PerNodeCores       int
	PerNodeThreads     *int // nil disables intra-node threading
	NumWorkerNodes     int
	Hosts              []string
	SSHUser            string
	PythonExecutable   string
	WorkingDir         string
	TimeJob            bool
	ProgressToTerminal bool
}

// Validate applies §6's rejection rules.
func (cfg *Config) Validate() error {
	var err error
	if cfg.MasterNode == "" {
		err = multierror.Append(err, xerrors.New("master_node not specified"))
	}
	if cfg.PerNodeCores <= 0 {
		err = multierror.Append(err, xerrors.New("per_node_cores must be positive"))
	}
	if cfg.NumWorkerNodes < 0 {
		err = multierror.Append(err, xerrors.New("num_worker_nodes must not be negative"))
	}
	if len(cfg.Hosts) != cfg.NumWorkerNodes {
		err = multierror.Append(err, xerrors.Errorf("len(hosts)=%d does not match num_worker_nodes=%d", len(cfg.Hosts), cfg.NumWorkerNodes))
	}
	if cfg.SSHUser == "" {
		err = multierror.Append(err, xerrors.New("ssh_user not specified"))
	}
	if cfg.PythonExecutable == "" {
		err = multierror.Append(err, xerrors.New("python_executable not specified"))
	}
	if cfg.WorkingDir == "" {
		err = multierror.Append(err, xerrors.New("working_dir not specified"))
	}
	if err != nil {
		return gomperr.Errorf(gomperr.InvalidConfig, "gomp: invalid config: %w", err)
	}
	return nil
}

// JobOptions are the per-launch timeouts from §5, kept separate from Config
// because §6 enumerates Configure's field set explicitly and these are
// properties of an individual job rather than static infrastructure
// (see DESIGN.md's Open Question resolution).
type JobOptions struct {
	BootstrapTimeout time.Duration
	// CollectiveTimeout is accepted and stored to match §5's config surface
	// (default 0, i.e. off) but is not yet enforced by any collective call:
	// wiring it requires carrying a deadline to every rank over the
	// JOB_DESCRIPTOR, which no component currently does. See DESIGN.md.
	CollectiveTimeout time.Duration
	DrainTimeout      time.Duration
}

const defaultDrainTimeout = 15 * time.Second

func (o JobOptions) bootstrapTimeout() time.Duration {
	if o.BootstrapTimeout <= 0 {
		return 60 * time.Second
	}
	return o.BootstrapTimeout
}

func (o JobOptions) drainTimeout() time.Duration {
	if o.DrainTimeout <= 0 {
		return defaultDrainTimeout
	}
	return o.DrainTimeout
}
