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

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/exec"
)

// BackoffSpec configures the wait between attempts: exponential growth
// from Base, randomized by Jitter and never longer than Cap.
type BackoffSpec struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64
}

// Policy bounds how many times an operation is attempted
type Policy struct {
	MaxAttempts int
	Backoff     BackoffSpec
}

var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff: BackoffSpec{
		Base:       2 * time.Second,
		Cap:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	},
}

func (p Policy) Validate() error {
	errs := []error{}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.Backoff.Base < 0 || p.Backoff.Cap < 0 {
		errs = append(errs, errors.New("backoff durations can not be negative"))
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be between 0 and 1, got %v", p.Backoff.Jitter))
	}
	return errors.Join(errs...)
}

// ExhaustedError is returned when an operation did not succeed within
// the policy. Attempts is the number of times it actually ran.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Attempt describes one run of the operation. Final is set on the last
// attempt, whether it succeeded or not.
type Attempt struct {
	Number   int
	Err      error
	Duration time.Duration
	Final    bool
}

// Waits computes the backoff durations of a spec
type Waits struct {
	spec BackoffSpec
	eb   *backoff.ExponentialBackOff
}

func (s BackoffSpec) Waits() *Waits {
	mult := s.Multiplier
	if mult < 1 {
		mult = 2
	}
	maxInterval := s.Cap
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     s.Base,
		RandomizationFactor: s.Jitter,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
	}
	eb.Reset()
	return &Waits{spec: s, eb: eb}
}

// Next returns the time to wait before the next attempt
func (w *Waits) Next() time.Duration {
	if w.spec.Base <= 0 {
		return 0
	}
	d := w.eb.NextBackOff()
	if d < 0 {
		d = w.spec.Cap
	}
	if w.spec.Cap > 0 && d > w.spec.Cap {
		d = w.spec.Cap
	}
	return d
}

// Do runs op until it succeeds, fails with a permanent error or the policy
// runs out of attempts. observe, if not nil, is called once per attempt.
func Do[T any](
	ctx context.Context, p Policy, op func(context.Context, int) (T, error), observe func(Attempt),
) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry policy: %w", err)
	}
	if observe == nil {
		observe = func(Attempt) {}
	}

	waits := p.Backoff.Waits()
	for attempt := 1; ; attempt++ {
		start := time.Now()
		v, err := op(ctx, attempt)
		d := time.Since(start)
		if err == nil {
			observe(Attempt{Number: attempt, Duration: d, Final: true})
			return v, nil
		}

		if !exec.IsTransient(err) || attempt >= p.MaxAttempts || ctx.Err() != nil {
			observe(Attempt{Number: attempt, Err: err, Duration: d, Final: true})
			return zero, &ExhaustedError{Attempts: attempt, LastError: err}
		}

		wait := waits.Next()
		logrus.WithFields(logrus.Fields{
			"attempt": attempt, "max": p.MaxAttempts,
		}).Debugf("Transient failure, retrying in %s: %v", wait, err)

		if serr := sleep(ctx, wait); serr != nil {
			err = fmt.Errorf("cancelled while waiting to retry: %w (last error: %w)", serr, err)
			observe(Attempt{Number: attempt, Err: err, Duration: d, Final: true})
			return zero, &ExhaustedError{Attempts: attempt, LastError: err}
		}
		observe(Attempt{Number: attempt, Err: err, Duration: d})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
