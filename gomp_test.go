package gomp_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/kernel/montecarlo"
)

func localConfig() gomp.Config {
	return gomp.Config{
		MasterNode:       "localhost",
		PerNodeCores:     4,
		NumWorkerNodes:   0,
		Hosts:            nil,
		SSHUser:          "me",
		PythonExecutable: "worker",
		WorkingDir:       "/tmp/gomp",
	}
}

func TestConfigureRejectsMismatchedHosts(t *testing.T) {
	cfg := localConfig()
	cfg.NumWorkerNodes = 2
	cfg.Hosts = []string{"only-one-host"}
	err := gomp.Configure(cfg)
	require.Error(t, err)
	require.Equal(t, gomperr.InvalidConfig, gomperr.KindOf(err))
}

func TestConfigureRejectsMissingRequiredFields(t *testing.T) {
	err := gomp.Configure(gomp.Config{})
	require.Error(t, err)
}

func TestIsPrimeLocal(t *testing.T) {
	require.NoError(t, gomp.Configure(localConfig()))

	got, err := gomp.IsPrime(context.Background(), 97, gomp.JobOptions{})
	require.NoError(t, err)
	require.True(t, got)

	got, err = gomp.IsPrime(context.Background(), 91, gomp.JobOptions{})
	require.NoError(t, err)
	require.False(t, got)
}

func TestMatMulLocal(t *testing.T) {
	require.NoError(t, gomp.Configure(localConfig()))

	a := []float64{1, 0, 0, 1} // 2x2 identity
	b := []float64{5, 6, 7, 8}
	got, err := gomp.MatMul(context.Background(), 2, 2, 2, a, b, gomp.JobOptions{})
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestMonteCarloLocal(t *testing.T) {
	montecarlo.Register("gomp-test-uniform", montecarlo.FuncSet{
		Sample: func(rng *rand.Rand) float64 { return rng.Float64() },
		Eval:   func(x float64) float64 { return x },
	})
	require.NoError(t, gomp.Configure(localConfig()))

	seed := int64(1)
	result, err := gomp.MonteCarlo(context.Background(), montecarlo.Args{
		FuncSet: "gomp-test-uniform",
		N:       5000,
		Seed:    &seed,
	}, gomp.JobOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(5000), result.Samples)
	require.InDelta(t, 0.5, result.Mean, 0.05)
}

func TestCancelJobWithoutRunningJobErrors(t *testing.T) {
	require.NoError(t, gomp.Configure(localConfig()))
	err := gomp.CancelJob()
	require.Error(t, err)
}

func TestMonteCarloCancelledCollapsesToZeroValueNoError(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	montecarlo.Register("gomp-test-cancel-probe", montecarlo.FuncSet{
		Sample: func(rng *rand.Rand) float64 {
			once.Do(func() { close(started) })
			return rng.Float64()
		},
		Eval: func(x float64) float64 { return x },
	})
	require.NoError(t, gomp.Configure(localConfig()))

	resultCh := make(chan struct {
		result montecarlo.Result
		err    error
	}, 1)
	go func() {
		result, err := gomp.MonteCarlo(context.Background(), montecarlo.Args{
			FuncSet: "gomp-test-cancel-probe",
			N:       50_000_000,
		}, gomp.JobOptions{})
		resultCh <- struct {
			result montecarlo.Result
			err    error
		}{result, err}
	}()

	<-started
	require.NoError(t, gomp.CancelJob())

	out := <-resultCh
	require.NoError(t, out.err)
	require.Equal(t, montecarlo.Result{}, out.result)
}
