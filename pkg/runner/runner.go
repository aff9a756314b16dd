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
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/release-utils/hash"
	util "sigs.k8s.io/release-utils/helpers"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/attestation"
	"sigs.k8s.io/comal/pkg/cluster"
	"sigs.k8s.io/comal/pkg/config"
	"sigs.k8s.io/comal/pkg/exec"
	"sigs.k8s.io/comal/pkg/metrics"
	"sigs.k8s.io/comal/pkg/notify"
	"sigs.k8s.io/comal/pkg/pipeline"
	"sigs.k8s.io/comal/pkg/retry"
	"sigs.k8s.io/comal/pkg/rollout"
	"sigs.k8s.io/comal/pkg/run"
	"sigs.k8s.io/comal/pkg/store"
	"sigs.k8s.io/comal/pkg/store/driver"
)

const publishTimeout = 30 * time.Second

// Option replaces one of the components the runner builds from the
// configuration
type Option func(*Runner)

// WithExecutor shares an executor, and its concurrency limit, between
// runners
func WithExecutor(e *exec.Executor) Option {
	return func(r *Runner) { r.executor = e }
}

func WithSteps(s pipeline.Steps) Option {
	return func(r *Runner) { r.steps = s }
}

func WithStatusSource(s rollout.StatusSource) Option {
	return func(r *Runner) { r.source = s }
}

func WithStore(s *store.Store) Option {
	return func(r *Runner) { r.store = s }
}

func WithPublisher(p notify.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner executes one pipeline run of the configured artifact
type Runner struct {
	config   *config.Config
	artifact artifact.Ref
	prior    *artifact.Ref

	executor  *exec.Executor
	steps     pipeline.Steps
	source    rollout.StatusSource
	store     *store.Store
	publisher notify.Publisher
	metrics   *metrics.Recorder

	mtx               sync.Mutex
	machine           *pipeline.Machine
	rollbackRequested bool
}

// New builds a runner from a validated configuration. The artifact
// reference is checked here, an invalid one returns an error wrapping
// artifact.ErrInvalidArtifact. Components not passed as options are
// created from the configuration.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	ref, err := cfg.ArtifactRef()
	if err != nil {
		return nil, err
	}
	r := &Runner{config: cfg, artifact: ref}
	if cfg.Rollback.PriorTag != "" {
		prior, err := ref.WithTag(cfg.Rollback.PriorTag)
		if err != nil {
			return nil, fmt.Errorf("building prior artifact: %w", err)
		}
		r.prior = &prior
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.setDefaults(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) setDefaults(ctx context.Context) error {
	cfg := r.config
	if r.executor == nil {
		r.executor = exec.NewExecutorWithOptions(exec.Options{
			Logger:        logrus.StandardLogger(),
			MaxConcurrent: cfg.Execution.MaxConcurrent,
			KillGrace:     cfg.Execution.KillGrace.Std(),
		})
	}

	needsCluster := cfg.StageEnabled(run.Deploy) || cfg.StageEnabled(run.Verify) || cfg.Rollback.Enabled
	var client *cluster.Client
	if needsCluster && (r.steps == nil || r.source == nil) {
		c, err := cluster.New(cfg.Deploy.Kubeconfig)
		if err != nil {
			return fmt.Errorf("connecting to the cluster: %w", err)
		}
		client = c
	}
	if r.source == nil && client != nil {
		r.source = client
	}
	if r.steps == nil {
		s, err := newDefaultSteps(cfg, client)
		if err != nil {
			return err
		}
		r.steps = s
	}

	if r.store == nil && cfg.RunLog != "" {
		s, err := store.New(ctx, cfg.RunLog, store.Options{S3: driver.S3Options{
			AccessKey: cfg.Credentials.S3AccessKey,
			SecretKey: cfg.Credentials.S3SecretKey,
		}})
		if err != nil {
			return fmt.Errorf("opening run log: %w", err)
		}
		r.store = s
	}
	if r.publisher == nil && cfg.Notify != "" {
		p, err := notify.New(ctx, cfg.Notify)
		if err != nil {
			return fmt.Errorf("creating notifier: %w", err)
		}
		r.publisher = p
	}
	return nil
}

// Artifact returns the reference of the image the runner deploys
func (r *Runner) Artifact() artifact.Ref {
	return r.artifact
}

func (r *Runner) machineConfig() pipeline.Config {
	cfg := r.config
	mc := pipeline.Config{
		Policies: map[run.StageKind]retry.Policy{},
		Timeouts: map[run.StageKind]time.Duration{},
		Disabled: map[run.StageKind]bool{},
		Rollout: pipeline.RolloutConfig{
			Deployment:      deploymentRef(cfg),
			DesiredReplicas: cfg.DesiredReplicas(),
			PollInterval:    cfg.Deploy.PollInterval.Std(),
			Timeout:         cfg.Deploy.Timeout.Std(),
			VerifySettle:    cfg.Verify.Settle.Std(),
			VerifyTimeout:   cfg.Verify.Timeout.Std(),
		},
		Rollback: pipeline.RollbackConfig{Enabled: cfg.Rollback.Enabled, Prior: r.prior},
	}
	for _, s := range append(run.Stages, run.Rollback) {
		mc.Policies[s] = cfg.RetryPolicy(s)
		mc.Timeouts[s] = cfg.Timeout(s)
		if s != run.Rollback && !cfg.StageEnabled(s) {
			mc.Disabled[s] = true
		}
	}
	return mc
}

func (r *Runner) newMachine() *pipeline.Machine {
	var monitor *rollout.Monitor
	if r.source != nil {
		monitor = rollout.NewMonitor(r.source)
		if n := r.config.Deploy.MaxPollFailures; n > 0 {
			monitor.Options.MaxConsecutivePollFailures = n
		}
	}
	return pipeline.New(r.steps, r.executor, monitor, r.machineConfig())
}

// Run executes the pipeline and returns the finished run. Failures are
// recorded in the run, Run does not return errors.
func (r *Runner) Run(ctx context.Context) *run.PipelineRun {
	pr := run.New(uuid.NewString(), r.artifact)
	log := logrus.WithFields(logrus.Fields{"run": pr.ID, "artifact": r.artifact.Reference()})
	// Records are written even after the run is cancelled
	bgCtx := context.WithoutCancel(ctx)

	m := r.newMachine()
	m.OnResult = func(res run.StageResult) {
		r.metrics.ObserveResult(res)
		if r.store == nil {
			return
		}
		if err := r.store.Result(bgCtx, pr, res); err != nil {
			log.WithError(err).Warn("Unable to write stage result to the run log")
		}
	}
	m.OnTransition = func(from, _ pipeline.State) {
		if from == pipeline.Pushing && pr.Digest != "" && r.config.Attestation.Enabled {
			if err := r.attest(pr); err != nil {
				log.WithError(err).Warn("Unable to write provenance attestation")
			}
		}
	}

	r.mtx.Lock()
	r.machine = m
	requested := r.rollbackRequested
	r.mtx.Unlock()
	if requested {
		m.RequestRollback()
	}

	if r.store != nil {
		if err := r.store.Started(bgCtx, pr); err != nil {
			log.WithError(err).Warn("Unable to write run start to the run log")
		}
	}
	log.Info("Starting pipeline run")

	m.Run(exec.WithRun(ctx, pr.ID), pr)

	finished := log.WithField("status", string(pr.Status))
	if orphans := r.executor.OrphansOf(pr.ID); len(orphans) > 0 {
		summaries := make([]string, 0, len(orphans))
		for _, o := range orphans {
			summaries = append(summaries, fmt.Sprintf("%s: %s", o.Stage, o.Summary))
		}
		finished.WithField("orphans", summaries).Warnf(
			"Pipeline run finished leaving %d operation(s) running", len(orphans),
		)
	} else {
		finished.Info("Pipeline run finished")
	}

	if r.store != nil {
		if err := r.store.Finished(bgCtx, pr); err != nil {
			log.WithError(err).Warn("Unable to write run end to the run log")
		}
	}
	r.metrics.ObserveRun(pr)
	if r.publisher != nil {
		pctx, cancel := context.WithTimeout(bgCtx, publishTimeout)
		if err := r.publisher.Publish(pctx, pr); err != nil {
			log.WithError(err).Warn("Unable to publish run notification")
		}
		cancel()
	}
	return pr
}

// attest writes the provenance of the pushed image
func (r *Runner) attest(pr *run.PipelineRun) error {
	cfg := r.config
	opts := attestation.Options{
		SLSAVersion: cfg.Attestation.SLSAVersion,
		SourceURL:   cfg.Source.URL,
		EntryPoint:  cfg.Build.Dockerfile,
		BuildNumber: cfg.Credentials.BuildNumber,
	}
	dockerfile := buildRequest(cfg, pr.Artifact).Dockerfile
	if util.Exists(dockerfile) {
		sum, err := hash.SHA256ForFile(dockerfile)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", dockerfile, err)
		}
		opts.Materials = map[string]string{cfg.Build.Dockerfile: sum}
	}
	att, err := attestation.FromRun(pr, opts)
	if err != nil {
		return fmt.Errorf("generating attestation: %w", err)
	}
	path := filepath.Join(cfg.Attestation.Dir, pr.ID+".intoto.json")
	if err := att.Write(path); err != nil {
		return err
	}
	logrus.WithField("run", pr.ID).Infof("Wrote provenance attestation to %s", path)
	return nil
}

// RequestRollback asks the running pipeline to roll back the deployment.
// A request made before Run is honored as soon as the run starts.
func (r *Runner) RequestRollback() {
	r.mtx.Lock()
	m := r.machine
	if m == nil {
		r.rollbackRequested = true
	}
	r.mtx.Unlock()
	if m != nil {
		m.RequestRollback()
	}
}

// Close releases the notifier
func (r *Runner) Close() error {
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Close()
}

// RunMany executes independent runners concurrently, at most limit at a
// time. A limit below 1 runs them all at once. The returned runs are in
// the order of the runners.
func RunMany(ctx context.Context, runners []*Runner, limit int) []*run.PipelineRun {
	runs := make([]*run.PipelineRun, len(runners))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, r := range runners {
		g.Go(func() error {
			runs[i] = r.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}
