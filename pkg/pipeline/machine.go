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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/exec"
	"sigs.k8s.io/comal/pkg/retry"
	"sigs.k8s.io/comal/pkg/rollout"
	"sigs.k8s.io/comal/pkg/run"
)

var (
	errRollbackRequested = errors.New("rollback requested")
	errNoConvergence     = errors.New("rollout has not converged")
)

// Steps produces the external operations of each stage for an artifact.
// Verify may return nil when there is no smoke test to run.
type Steps interface {
	Checkout(artifact.Ref) exec.Operation
	Build(artifact.Ref) exec.Operation
	Push(artifact.Ref) exec.Operation
	Apply(artifact.Ref) exec.Operation
	Verify(artifact.Ref) exec.Operation
}

// RolloutConfig describes the deployment the pipeline updates and how
// long to wait for it
type RolloutConfig struct {
	Deployment      rollout.DeploymentRef
	DesiredReplicas int32
	PollInterval    time.Duration
	// Timeout bounds the convergence wait after applying
	Timeout time.Duration
	// VerifySettle is waited before checking the rollout again
	VerifySettle  time.Duration
	VerifyTimeout time.Duration
}

// RollbackConfig enables going back to a prior artifact when the deploy
// or the verification fail
type RollbackConfig struct {
	Enabled bool
	Prior   *artifact.Ref
}

type Config struct {
	// Policies per stage, stages without one use retry.DefaultPolicy
	Policies map[run.StageKind]retry.Policy
	// Timeouts of a single attempt per stage, zero means no limit
	Timeouts map[run.StageKind]time.Duration
	Disabled map[run.StageKind]bool
	Rollout  RolloutConfig
	Rollback RollbackConfig
}

func (c *Config) policy(stage run.StageKind) retry.Policy {
	if p, ok := c.Policies[stage]; ok {
		return p
	}
	return retry.DefaultPolicy
}

// Machine drives a pipeline run through its stages. A machine runs once.
type Machine struct {
	steps    Steps
	executor *exec.Executor
	monitor  *rollout.Monitor
	config   Config

	// OnResult is called after each stage result is appended to the run
	OnResult func(run.StageResult)
	// OnTransition is called after every state change
	OnTransition func(from, to State)

	mtx               sync.Mutex
	state             State
	cancelStage       context.CancelFunc
	rollbackRequested bool
	converged         *run.RolloutSnapshot
	deploySkipped     bool
	log               *logrus.Entry
}

func New(steps Steps, executor *exec.Executor, monitor *rollout.Monitor, config Config) *Machine {
	return &Machine{
		steps:    steps,
		executor: executor,
		monitor:  monitor,
		config:   config,
		state:    Pending,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
}

// State returns the current state of the machine
func (m *Machine) State() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.state
}

// RequestRollback interrupts the running stage. If the artifact was
// already being deployed, the machine rolls back to the prior artifact,
// otherwise the run fails.
func (m *Machine) RequestRollback() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.state.IsTerminal() || m.state == RollingBack {
		return
	}
	m.rollbackRequested = true
	if m.cancelStage != nil {
		m.cancelStage()
	}
}

func (m *Machine) transition(to State) error {
	m.mtx.Lock()
	from := m.state
	switch {
	case from.IsTerminal():
		m.mtx.Unlock()
		return fmt.Errorf("run is already %s", from)
	case !canTransition(from, to):
		m.mtx.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	case to == Verifying && !m.deploySkipped && !m.converged.Converged(m.config.Rollout.DesiredReplicas):
		m.mtx.Unlock()
		return fmt.Errorf("can not verify: %w", errNoConvergence)
	}
	m.state = to
	m.mtx.Unlock()

	m.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("Pipeline transition")
	if m.OnTransition != nil {
		m.OnTransition(from, to)
	}
	return nil
}

// stageContext returns the context for a stage that RequestRollback can
// cancel
func (m *Machine) stageContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.rollbackRequested {
		return nil, nil, errRollbackRequested
	}
	stageCtx, cancel := context.WithCancel(ctx)
	m.cancelStage = cancel
	return stageCtx, cancel, nil
}

func (m *Machine) clearStage() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.cancelStage = nil
}

func (m *Machine) wasRollbackRequested() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.rollbackRequested
}

func (m *Machine) record(r *run.PipelineRun, res run.StageResult) {
	if res.Time.IsZero() {
		res.Time = time.Now()
	}
	if err := r.Append(res); err != nil {
		m.log.WithError(err).Errorf("Unable to record %s result", res.Stage)
		return
	}
	if m.OnResult != nil {
		m.OnResult(res)
	}
}

func (m *Machine) recordAttempt(r *run.PipelineRun, stage run.StageKind, a retry.Attempt) {
	res := run.StageResult{
		Stage: stage, Attempt: a.Number, DurationMs: a.Duration.Milliseconds(),
	}
	switch {
	case a.Err == nil:
		res.Outcome = run.Success
	case a.Final:
		res.Outcome = run.Failed
		res.Message = a.Err.Error()
	default:
		res.Outcome = run.Retried
		res.Message = a.Err.Error()
	}
	m.record(r, res)
}

// attempt runs an operation of a stage through the retry policy,
// recording every attempt
func (m *Machine) attempt(
	ctx context.Context, r *run.PipelineRun, stage run.StageKind, op exec.Operation,
) (*exec.Output, error) {
	return retry.Do(ctx, m.config.policy(stage),
		func(ctx context.Context, _ int) (*exec.Output, error) {
			return m.executor.Execute(ctx, stage, op, m.config.Timeouts[stage])
		},
		func(a retry.Attempt) { m.recordAttempt(r, stage, a) },
	)
}

// Run drives the run to a terminal state and returns it. Failures are
// recorded in the run, they are never returned.
func (m *Machine) Run(ctx context.Context, r *run.PipelineRun) State {
	m.log = logrus.WithField("run", r.ID)
	stages := []struct {
		stage run.StageKind
		do    func(context.Context, *run.PipelineRun) error
	}{
		{run.Checkout, m.checkout},
		{run.Build, m.build},
		{run.Push, m.push},
		{run.Deploy, m.deploy},
		{run.Verify, m.verify},
	}

	for _, s := range stages {
		if err := m.transition(stageStates[s.stage]); err != nil {
			m.record(r, run.StageResult{Stage: s.stage, Outcome: run.Failed, Attempt: 1, Message: err.Error()})
			return m.finish(r, Failed)
		}
		if m.config.Disabled[s.stage] {
			if s.stage == run.Deploy {
				m.deploySkipped = true
			}
			m.record(r, run.StageResult{Stage: s.stage, Outcome: run.Skipped, Attempt: 1})
			continue
		}
		if err := ctx.Err(); err != nil {
			m.record(r, run.StageResult{
				Stage: s.stage, Outcome: run.Failed, Attempt: 1, Message: "cancelled: " + err.Error(),
			})
			return m.finish(r, Failed)
		}

		stageCtx, cancel, err := m.stageContext(ctx)
		if err == nil {
			err = s.do(stageCtx, r)
			cancel()
			m.clearStage()
		} else {
			m.record(r, run.StageResult{Stage: s.stage, Outcome: run.Failed, Attempt: 1, Message: err.Error()})
		}
		if err != nil {
			return m.fail(ctx, r, s.stage, err)
		}
	}

	if !m.deploySkipped {
		deployed := r.Artifact
		r.Deployed = &deployed
	}
	return m.finish(r, Succeeded)
}

// fail routes a stage failure into a rollback when possible
func (m *Machine) fail(ctx context.Context, r *run.PipelineRun, stage run.StageKind, err error) State {
	log := m.log.WithField("stage", stage.String())
	switch {
	case ctx.Err() != nil:
		log.WithError(err).Warn("Run cancelled")
		return m.finish(r, Failed)
	case stage != run.Deploy && stage != run.Verify:
		log.WithError(err).Error("Stage failed")
		return m.finish(r, Failed)
	case !m.config.Rollback.Enabled || m.config.Rollback.Prior == nil:
		log.WithError(err).Error("Stage failed and there is no artifact to roll back to")
		return m.finish(r, Failed)
	}
	if m.wasRollbackRequested() {
		log.Warn("Rolling back on request")
	} else {
		log.WithError(err).Warn("Stage failed, rolling back")
	}
	return m.rollback(ctx, r)
}

func (m *Machine) rollback(ctx context.Context, r *run.PipelineRun) State {
	if err := m.transition(RollingBack); err != nil {
		m.log.WithError(err).Error("Unable to roll back")
		return m.finish(r, Failed)
	}
	prior := *m.config.Rollback.Prior
	if err := m.deployRef(ctx, r, run.Rollback, prior); err != nil {
		m.log.WithError(err).Errorf("Rollback to %s failed", prior.Reference())
		return m.finish(r, Failed)
	}
	r.Deployed = &prior
	return m.finish(r, RolledBack)
}

func (m *Machine) finish(r *run.PipelineRun, to State) State {
	if err := m.transition(to); err != nil {
		m.log.WithError(err).Warn("Unable to finish run")
		// Whatever the state, the run is not going anywhere else
		m.mtx.Lock()
		if !m.state.IsTerminal() {
			m.state = to
		}
		to = m.state
		m.mtx.Unlock()
	}
	if err := r.Finish(to.Status()); err != nil {
		m.log.WithError(err).Warn("Unable to set run status")
	}
	m.log.WithField("status", string(r.Status)).Info("Run finished")
	return to
}

func (m *Machine) checkout(ctx context.Context, r *run.PipelineRun) error {
	out, err := m.attempt(ctx, r, run.Checkout, m.steps.Checkout(r.Artifact))
	if err != nil {
		return err
	}
	r.Commit = out.Commit
	return nil
}

func (m *Machine) build(ctx context.Context, r *run.PipelineRun) error {
	_, err := m.attempt(ctx, r, run.Build, m.steps.Build(r.Artifact))
	return err
}

func (m *Machine) push(ctx context.Context, r *run.PipelineRun) error {
	out, err := m.attempt(ctx, r, run.Push, m.steps.Push(r.Artifact))
	if err != nil {
		return err
	}
	r.Digest = out.Digest
	return nil
}

func (m *Machine) deploy(ctx context.Context, r *run.PipelineRun) error {
	return m.deployRef(ctx, r, run.Deploy, r.Artifact)
}

// deployRef applies an artifact and waits for the rollout. The successful
// apply attempt is recorded once the rollout converged, or as failed when
// it did not.
func (m *Machine) deployRef(ctx context.Context, r *run.PipelineRun, stage run.StageKind, ref artifact.Ref) error {
	var applied *retry.Attempt
	_, err := retry.Do(ctx, m.config.policy(stage),
		func(ctx context.Context, _ int) (*exec.Output, error) {
			return m.executor.Execute(ctx, stage, m.steps.Apply(ref), m.config.Timeouts[stage])
		},
		func(a retry.Attempt) {
			if a.Err == nil {
				applied = &a
				return
			}
			m.recordAttempt(r, stage, a)
		},
	)
	if err != nil {
		return err
	}

	start := time.Now()
	snap, err := m.await(ctx, m.config.Rollout.Timeout)
	res := run.StageResult{
		Stage:      stage,
		Attempt:    applied.Number,
		DurationMs: (applied.Duration + time.Since(start)).Milliseconds(),
		Outcome:    run.Success,
	}
	if err != nil {
		res.Outcome = run.Failed
		res.Message = err.Error()
		m.record(r, res)
		return err
	}
	m.mtx.Lock()
	m.converged = snap
	m.mtx.Unlock()
	res.Message = snap.String()
	m.record(r, res)
	return nil
}

func (m *Machine) await(ctx context.Context, timeout time.Duration) (*run.RolloutSnapshot, error) {
	if m.monitor == nil {
		return nil, errors.New("no rollout monitor configured")
	}
	rc := m.config.Rollout
	out, err := m.monitor.AwaitConvergence(ctx, rc.Deployment, rc.DesiredReplicas, rc.PollInterval, timeout)
	if err != nil {
		return nil, err
	}
	return out.Snapshot, nil
}

// verify waits for the rollout to settle, checks it is still converged
// and runs the smoke test
func (m *Machine) verify(ctx context.Context, r *run.PipelineRun) error {
	start := time.Now()
	failed := func(err error) error {
		m.record(r, run.StageResult{
			Stage: run.Verify, Outcome: run.Failed, Attempt: 1,
			DurationMs: time.Since(start).Milliseconds(), Message: err.Error(),
		})
		return err
	}

	if d := m.config.Rollout.VerifySettle; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return failed(fmt.Errorf("waiting for the rollout to settle: %w", ctx.Err()))
		case <-t.C:
		}
	}

	snap, err := m.await(ctx, m.config.Rollout.VerifyTimeout)
	if err != nil {
		return failed(fmt.Errorf("verifying rollout: %w", err))
	}

	op := m.steps.Verify(r.Artifact)
	if op == nil {
		m.record(r, run.StageResult{
			Stage: run.Verify, Outcome: run.Success, Attempt: 1,
			DurationMs: time.Since(start).Milliseconds(), Message: snap.String(),
		})
		return nil
	}
	_, err = m.attempt(ctx, r, run.Verify, op)
	return err
}
