package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp"
	"github.com/thomasedgemon/gomp/bootstrap"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/kernel/matmul"
	"github.com/thomasedgemon/gomp/kernel/montecarlo"
	"github.com/thomasedgemon/gomp/kernel/primality"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

var (
	appName = "gomp"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(gomperr.ExitCode(err))
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "mode",
			EnvVar: "MODE",
			Usage:  "The operation mode to use (master or worker)",
		},
		cli.StringFlag{
			Name:   "master-host",
			EnvVar: "MASTER_HOST",
			Usage:  "The master's rendezvous hostname (worker mode)",
		},
		cli.IntFlag{
			Name:   "master-port",
			EnvVar: "MASTER_PORT",
			Usage:  "The master's rendezvous port (worker mode)",
		},
		cli.IntFlag{
			Name:   "rank",
			EnvVar: "RANK",
			Usage:  "This process's rank (worker mode)",
		},
		cli.IntFlag{
			Name:   "size",
			EnvVar: "SIZE",
			Usage:  "The job's group size (worker mode)",
		},
		cli.StringFlag{
			Name:   "job-id",
			EnvVar: "JOB_ID",
			Usage:  "The job ID to present in HELLO (worker mode)",
		},
		cli.StringFlag{
			Name:   "auth-nonce",
			EnvVar: "AUTH_NONCE",
			Usage:  "The auth nonce to present in HELLO (worker mode)",
		},
		cli.StringFlag{
			Name:   "hosts",
			EnvVar: "HOSTS",
			Usage:  "Comma-separated worker hostnames (master mode)",
		},
		cli.StringFlag{
			Name:   "ssh-user",
			EnvVar: "SSH_USER",
			Usage:  "Remote shell login for launching workers (master mode)",
		},
		cli.StringFlag{
			Name:   "worker-binary",
			EnvVar: "WORKER_BINARY",
			Usage:  "Path to this binary on every worker host (master mode)",
		},
		cli.StringFlag{
			Name:   "working-dir",
			EnvVar: "WORKING_DIR",
			Usage:  "Shared project path on every node (master mode)",
		},
		cli.StringFlag{
			Name:  "kernel",
			Value: "primality",
			Usage: "Which demo kernel to run in master mode: primality, matmul, or montecarlo",
		},
		cli.Int64Flag{
			Name:  "primality-n",
			Value: 1000003,
			Usage: "n to test for primality (master mode, --kernel primality)",
		},
		cli.Int64Flag{
			Name:  "montecarlo-samples",
			Value: 1000000,
			Usage: "Sample count for the built-in pi estimator (master mode, --kernel montecarlo)",
		},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	logger := logger.WithField("mode", appCtx.String("mode"))
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			cancelFn()
		case <-ctx.Done():
		}
	}()

	switch appCtx.String("mode") {
	case "worker":
		return runWorker(ctx, appCtx, logger)
	case "master":
		return runMaster(ctx, appCtx, logger)
	default:
		return xerrors.Errorf("unsupported mode %q; please specify one of: master, worker", appCtx.String("mode"))
	}
}

func runWorker(ctx context.Context, appCtx *cli.Context, logger *logrus.Entry) error {
	registerDemoKernels()
	kernels := map[string]bootstrap.Kernel{
		"primality":  primality.Run,
		"matmul":     matmul.Run,
		"montecarlo": montecarlo.Run,
	}
	return bootstrap.Run(ctx, bootstrap.Params{
		MasterHost: appCtx.String("master-host"),
		MasterPort: appCtx.Int("master-port"),
		Rank:       appCtx.Int("rank"),
		Size:       appCtx.Int("size"),
		JobID:      appCtx.String("job-id"),
		AuthNonce:  appCtx.String("auth-nonce"),
	}, kernels, logger)
}

func runMaster(ctx context.Context, appCtx *cli.Context, logger *logrus.Entry) error {
	registerDemoKernels()
	host, _ := os.Hostname()
	hosts := splitHosts(appCtx.String("hosts"))

	if err := gomp.Configure(gomp.Config{
		MasterNode:       host,
		PerNodeCores:     1,
		NumWorkerNodes:   len(hosts),
		Hosts:            hosts,
		SSHUser:          appCtx.String("ssh-user"),
		PythonExecutable: appCtx.String("worker-binary"),
		WorkingDir:       appCtx.String("working-dir"),
	}); err != nil {
		return err
	}

	switch appCtx.String("kernel") {
	case "primality":
		n := appCtx.Int64("primality-n")
		isPrime, err := gomp.IsPrime(ctx, n, gomp.JobOptions{})
		if err != nil {
			return err
		}
		logger.WithField("n", n).WithField("is_prime", isPrime).Info("primality job complete")
	case "matmul":
		a := []float64{1, 0, 0, 1}
		b := []float64{5, 6, 7, 8}
		result, err := gomp.MatMul(ctx, 2, 2, 2, a, b, gomp.JobOptions{})
		if err != nil {
			return err
		}
		logger.WithField("result", fmt.Sprintf("%v", result)).Info("matmul job complete")
	case "montecarlo":
		samples := appCtx.Int64("montecarlo-samples")
		result, err := gomp.MonteCarlo(ctx, montecarlo.Args{FuncSet: demoPiFuncSet, N: samples}, gomp.JobOptions{})
		if err != nil {
			return err
		}
		logger.WithField("mean", result.Mean).WithField("stderr", result.Stderr).Info("montecarlo job complete")
	default:
		return xerrors.Errorf("unsupported --kernel %q", appCtx.String("kernel"))
	}
	return nil
}

const demoPiFuncSet = "gomp-demo-pi-estimator"

// registerDemoKernels wires in the one built-in Monte Carlo estimator this
// binary ships with: a unit-circle membership test scored 4 inside the
// circle and 0 outside, so its mean estimates pi. Application-specific FuncSets must be registered the same
// way before launching a job that names them; see montecarlo.Register.
func registerDemoKernels() {
	montecarlo.Register(demoPiFuncSet, montecarlo.FuncSet{
		Sample: func(rng *rand.Rand) float64 {
			x, y := rng.Float64()*2-1, rng.Float64()*2-1
			return x*x + y*y
		},
		Eval: func(radiusSq float64) float64 {
			if radiusSq <= 1 {
				return 4
			}
			return 0
		},
	})
}

func splitHosts(csv string) []string {
	if csv == "" {
		return nil
	}
	var hosts []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				hosts = append(hosts, csv[start:i])
			}
			start = i + 1
		}
	}
	return hosts
}
