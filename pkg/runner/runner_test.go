/*
Copyright 2026 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runner

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/config"
	"sigs.k8s.io/comal/pkg/exec"
	"sigs.k8s.io/comal/pkg/metrics"
	"sigs.k8s.io/comal/pkg/rollout"
	"sigs.k8s.io/comal/pkg/run"
	"sigs.k8s.io/comal/pkg/store"
)

var digest = "sha256:" + strings.Repeat("ab", 32)

// fakeDeploy implements the pipeline steps and the rollout status. Tags
// listed in stuck never get all their replicas ready.
type fakeDeploy struct {
	mtx     sync.Mutex
	tag     string
	stuck   map[string]bool
	active  atomic.Int32
	maxSeen atomic.Int32
	hold    time.Duration
	// hang blocks builds, ignoring their context, until it is closed
	hang chan struct{}
}

func (f *fakeDeploy) fn(name string, out *exec.Output) exec.Operation {
	return &exec.Func{Name: name, Fn: func(ctx context.Context) (*exec.Output, error) {
		return out, nil
	}}
}

func (f *fakeDeploy) Checkout(artifact.Ref) exec.Operation {
	return &exec.Func{Name: "checkout", Fn: func(ctx context.Context) (*exec.Output, error) {
		n := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			m := f.maxSeen.Load()
			if n <= m || f.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(f.hold)
		return &exec.Output{Commit: "3f2a9c1"}, nil
	}}
}

func (f *fakeDeploy) Build(artifact.Ref) exec.Operation {
	if f.hang != nil {
		return &exec.Func{Name: "docker build", Fn: func(context.Context) (*exec.Output, error) {
			<-f.hang
			return &exec.Output{}, nil
		}}
	}
	return f.fn("build", &exec.Output{})
}

func (f *fakeDeploy) Push(artifact.Ref) exec.Operation {
	return f.fn("push", &exec.Output{Digest: digest})
}

func (f *fakeDeploy) Apply(ref artifact.Ref) exec.Operation {
	return &exec.Func{Name: "apply " + ref.Tag, Fn: func(context.Context) (*exec.Output, error) {
		f.mtx.Lock()
		defer f.mtx.Unlock()
		f.tag = ref.Tag
		return &exec.Output{}, nil
	}}
}

func (f *fakeDeploy) Verify(artifact.Ref) exec.Operation {
	return nil
}

func (f *fakeDeploy) Snapshot(context.Context, rollout.DeploymentRef) (*run.RolloutSnapshot, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ready := int32(3)
	if f.stuck[f.tag] {
		ready = 1
	}
	return &run.RolloutSnapshot{
		DesiredReplicas: 3, ReadyReplicas: ready, UpdatedReplicas: 3, Timestamp: time.Now(),
	}, nil
}

type fakePublisher struct {
	mtx    sync.Mutex
	runs   []*run.PipelineRun
	closed bool
}

func (p *fakePublisher) Publish(_ context.Context, r *run.PipelineRun) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.runs = append(p.runs, r)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

const testConfig = `
artifact:
  registry: registry.example.com
  repository: team/web
source:
  url: https://github.com/example/web
  dir: %[1]s/src
deploy:
  name: web
  manifest: %[1]s/deployment.yaml
  replicas: 3
  pollInterval: 1ms
  timeout: 100ms
verify:
  timeout: 50ms
rollback:
  enabled: true
  priorTag: "41"
retry:
  default:
    maxAttempts: 3
    base: 1ms
    cap: 2ms
attestation:
  enabled: true
  dir: %[1]s/attestations
`

func loadConfig(t *testing.T, buildNumber string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, dir)), func(k string) string {
		if k == config.EnvBuildNumber {
			return buildNumber
		}
		return ""
	})
	require.NoError(t, err)
	return cfg
}

func testExecutor() *exec.Executor {
	logger, _ := logtest.NewNullLogger()
	return exec.NewExecutorWithOptions(exec.Options{
		Logger: logger, MaxConcurrent: 4, KillGrace: 100 * time.Millisecond,
	})
}

type fixture struct {
	runner    *Runner
	deploy    *fakeDeploy
	store     *store.Store
	publisher *fakePublisher
	metrics   *metrics.Recorder
	config    *config.Config
}

func newFixture(t *testing.T, stuck ...string) *fixture {
	t.Helper()
	f := &fixture{
		deploy:    &fakeDeploy{stuck: map[string]bool{}},
		publisher: &fakePublisher{},
		metrics:   metrics.New(),
		config:    loadConfig(t, "42"),
	}
	for _, s := range stuck {
		f.deploy.stuck[s] = true
	}
	st, err := store.New(context.Background(), "file://"+t.TempDir(), store.Options{})
	require.NoError(t, err)
	f.store = st

	r, err := New(f.config,
		WithExecutor(testExecutor()),
		WithSteps(f.deploy),
		WithStatusSource(f.deploy),
		WithStore(f.store),
		WithPublisher(f.publisher),
		WithMetrics(f.metrics),
	)
	require.NoError(t, err)
	f.runner = r
	return f
}

func TestNewInvalidArtifact(t *testing.T) {
	cfg := loadConfig(t, "")
	_, err := New(cfg, WithSteps(&fakeDeploy{}), WithStatusSource(&fakeDeploy{}))
	require.ErrorIs(t, err, artifact.ErrInvalidArtifact)

	cfg = loadConfig(t, "42")
	cfg.Rollback.PriorTag = "not a tag"
	_, err = New(cfg, WithSteps(&fakeDeploy{}), WithStatusSource(&fakeDeploy{}))
	require.ErrorIs(t, err, artifact.ErrInvalidArtifact)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, "registry.example.com/team/web:42", f.runner.Artifact().Reference())

	require.NoError(t, os.MkdirAll(f.config.Source.Dir, os.FileMode(0o755)))
	dockerfile := []byte("FROM scratch\n")
	require.NoError(t, os.WriteFile(
		filepath.Join(f.config.Source.Dir, "Dockerfile"), dockerfile, os.FileMode(0o644),
	))

	pr := f.runner.Run(context.Background())
	require.Equal(t, run.StatusSucceeded, pr.Status)
	require.Equal(t, "42", pr.Deployed.Tag)
	require.Equal(t, digest, pr.Digest)

	// The run log replays to the same run
	loaded, err := f.store.Load(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, pr.Status, loaded.Status)
	require.Equal(t, pr.Digest, loaded.Digest)
	require.Equal(t, pr.Commit, loaded.Commit)
	require.Len(t, loaded.Stages, len(pr.Stages))
	for i := range pr.Stages {
		require.Equal(t, pr.Stages[i].Stage, loaded.Stages[i].Stage)
		require.Equal(t, pr.Stages[i].Outcome, loaded.Stages[i].Outcome)
	}

	require.Len(t, f.publisher.runs, 1)
	require.Equal(t, pr.ID, f.publisher.runs[0].ID)
	require.InDelta(t, 1, testutil.ToFloat64(f.metrics.Runs.WithLabelValues(string(run.StatusSucceeded))), 0)
	require.InDelta(t, 1, testutil.ToFloat64(
		f.metrics.StageAttempts.WithLabelValues("push", string(run.Success))), 0,
	)

	data, err := os.ReadFile(filepath.Join(f.config.Attestation.Dir, pr.ID+".intoto.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), strings.Repeat("ab", 32))
	require.Contains(t, string(data), "https://github.com/example/web@3f2a9c1")
	require.Contains(t, string(data), fmt.Sprintf("%x", sha256.Sum256(dockerfile)))

	require.NoError(t, f.runner.Close())
	require.True(t, f.publisher.closed)
}

func TestRunRollsBack(t *testing.T) {
	f := newFixture(t, "42")

	pr := f.runner.Run(context.Background())
	require.Equal(t, run.StatusRolledBack, pr.Status)
	require.NotNil(t, pr.Deployed)
	require.Equal(t, "41", pr.Deployed.Tag)
	require.Len(t, pr.ResultsFor(run.Rollback), 1)

	require.Len(t, f.publisher.runs, 1)
	require.Equal(t, run.StatusRolledBack, f.publisher.runs[0].Status)

	loaded, err := f.store.Load(context.Background(), pr.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusRolledBack, loaded.Status)
	require.Equal(t, "41", loaded.Deployed.Tag)
}

func TestRequestRollbackBeforeRun(t *testing.T) {
	f := newFixture(t)
	f.runner.RequestRollback()

	pr := f.runner.Run(context.Background())
	require.Equal(t, run.StatusFailed, pr.Status)
	require.Nil(t, pr.Deployed)
	require.Empty(t, pr.ResultsFor(run.Deploy))
}

func TestRunMany(t *testing.T) {
	executor := testExecutor()
	deploy := &fakeDeploy{stuck: map[string]bool{}, hold: 20 * time.Millisecond}
	runners := []*Runner{}
	for i := 0; i < 4; i++ {
		r, err := New(loadConfig(t, fmt.Sprintf("%d", 100+i)),
			WithExecutor(executor), WithSteps(deploy), WithStatusSource(deploy),
		)
		require.NoError(t, err)
		runners = append(runners, r)
	}

	runs := RunMany(context.Background(), runners, 2)
	require.Len(t, runs, 4)
	ids := map[string]bool{}
	for i, pr := range runs {
		require.Equal(t, run.StatusSucceeded, pr.Status)
		require.Equal(t, fmt.Sprintf("%d", 100+i), pr.Artifact.Tag)
		ids[pr.ID] = true
	}
	require.Len(t, ids, 4)
	require.LessOrEqual(t, deploy.maxSeen.Load(), int32(2))
}

func TestRunReportsOrphans(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	cfg := loadConfig(t, "42")
	cfg.Timeouts.Build = config.Duration(5 * time.Millisecond)
	cfg.Retry.Default.MaxAttempts = 1
	deploy := &fakeDeploy{stuck: map[string]bool{}, hang: make(chan struct{})}
	defer close(deploy.hang)
	executor := exec.NewExecutorWithOptions(exec.Options{
		Logger: logrus.New(), MaxConcurrent: 4, KillGrace: time.Millisecond,
	})
	r, err := New(cfg, WithExecutor(executor), WithSteps(deploy), WithStatusSource(deploy))
	require.NoError(t, err)

	pr := r.Run(context.Background())
	require.Equal(t, run.StatusFailed, pr.Status)
	orphans := executor.OrphansOf(pr.ID)
	require.Len(t, orphans, 1)
	require.Equal(t, run.Build, orphans[0].Stage)

	var found bool
	for _, e := range hook.AllEntries() {
		if _, ok := e.Data["orphans"]; ok && e.Data["run"] == pr.ID {
			found = true
			require.Equal(t, logrus.WarnLevel, e.Level)
			require.Equal(t, []string{"build: docker build"}, e.Data["orphans"])
		}
	}
	require.True(t, found)
}
