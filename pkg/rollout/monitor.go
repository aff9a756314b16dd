/*
Copyright 2022 The Kubernetes Authors.

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

package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/run"
)

// DeploymentRef points to the workload whose rollout is monitored
type DeploymentRef struct {
	Namespace string
	Name      string
}

func (d DeploymentRef) String() string {
	return d.Namespace + "/" + d.Name
}

// StatusSource reads the current replica status of a deployment
type StatusSource interface {
	Snapshot(context.Context, DeploymentRef) (*run.RolloutSnapshot, error)
}

// ErrorKind tells why a rollout did not converge
type ErrorKind string

const (
	Timeout     ErrorKind = "timeout"
	Unreachable ErrorKind = "unreachable"
	Cancelled   ErrorKind = "cancelled"
)

// Error is returned when a rollout does not converge. LastSnapshot holds
// the last status read from the cluster, if any.
type Error struct {
	Kind         ErrorKind
	Deployment   DeploymentRef
	LastSnapshot *run.RolloutSnapshot
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rollout of %s %s", e.Deployment, e.Kind)
	if e.LastSnapshot != nil {
		msg += fmt.Sprintf(" (last status: %s)", e.LastSnapshot)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind checks if err is a rollout error of the specified kind
func IsKind(err error, kind ErrorKind) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Kind == kind
}

// Outcome is the result of a converged rollout
type Outcome struct {
	Snapshot *run.RolloutSnapshot
	Polls    int
}

type Options struct {
	// MaxConsecutivePollFailures is the number of failed status queries
	// in a row tolerated before declaring the cluster unreachable.
	MaxConsecutivePollFailures int
}

var DefaultOptions = Options{
	MaxConsecutivePollFailures: 3,
}

func NewMonitor(source StatusSource) *Monitor {
	return &Monitor{
		Options: DefaultOptions,
		source:  source,
	}
}

// Monitor polls a deployment until its rollout converges
type Monitor struct {
	Options Options
	source  StatusSource
}

// AwaitConvergence polls the deployment every pollInterval until the first
// snapshot where all desired replicas are ready and updated. It gives up
// after timeout or when ctx is cancelled.
func (m *Monitor) AwaitConvergence(
	ctx context.Context, ref DeploymentRef, desired int32, pollInterval, timeout time.Duration,
) (*Outcome, error) {
	if pollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	log := logrus.WithField("deployment", ref.String())

	// Status queries run under the rollout deadline so a hung API server
	// still ends in a timeout.
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last *run.RolloutSnapshot
	var lastErr error
	failures, polls := 0, 0
	stopped := func() error {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: Cancelled, Deployment: ref, LastSnapshot: last, Err: err}
		}
		return &Error{Kind: Timeout, Deployment: ref, LastSnapshot: last, Err: lastErrIfBlind(last, lastErr)}
	}
	for {
		if pollCtx.Err() != nil {
			return nil, stopped()
		}
		polls++
		snap, err := m.source.Snapshot(pollCtx, ref)
		switch {
		case err != nil && pollCtx.Err() != nil:
			return nil, stopped()
		case err != nil:
			failures++
			lastErr = err
			log.WithError(err).Warnf("Rollout status query failed (%d in a row)", failures)
			if failures > m.Options.MaxConsecutivePollFailures {
				return nil, &Error{
					Kind: Unreachable, Deployment: ref, LastSnapshot: last,
					Err: fmt.Errorf("%d consecutive status queries failed: %w", failures, err),
				}
			}
		default:
			failures = 0
			last = snap
			log.Debugf("Rollout status: %s", snap)
			if snap.Converged(desired) {
				log.Infof("Rollout converged after %d poll(s): %s", polls, snap)
				return &Outcome{Snapshot: snap, Polls: polls}, nil
			}
		}

		select {
		case <-pollCtx.Done():
			return nil, stopped()
		case <-ticker.C:
		}
	}
}

// lastErrIfBlind returns the last query error when no snapshot was ever
// read, so a timeout still says why nothing was observed.
func lastErrIfBlind(last *run.RolloutSnapshot, err error) error {
	if last == nil {
		return err
	}
	return nil
}
