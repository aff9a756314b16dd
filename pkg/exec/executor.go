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

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"sigs.k8s.io/comal/pkg/run"
)

// Operation is an external action the executor can run: building or
// pushing an image, applying a manifest, querying a rollout.
type Operation interface {
	// Summary is a short description used in logs and errors
	Summary() string
	Run(context.Context) (*Output, error)
}

// Output captures what an operation produced
type Output struct {
	Stdout   string
	Path     string
	Commit   string
	Digest   string
	Snapshot *run.RolloutSnapshot
}

// Orphan is an operation that did not stop after its timeout. It needs
// to be cleaned up outside of comal. It keeps its executor slot until it
// returns.
type Orphan struct {
	ID      uint64
	Run     string
	Stage   run.StageKind
	Summary string
	Since   time.Time
}

type runKey struct{}

// WithRun labels the operations executed under ctx with a pipeline run id
func WithRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey{}, id)
}

func runFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

type Options struct {
	Logger *logrus.Logger

	// MaxConcurrent bounds the operations running at the same time
	// across all the pipelines sharing the executor.
	MaxConcurrent int64

	// KillGrace is how long to wait for an operation to return after
	// its context is cancelled before declaring it orphaned.
	KillGrace time.Duration
}

var DefaultOptions = Options{
	MaxConcurrent: 4,
	KillGrace:     5 * time.Second,
}

// NewExecutor returns an executor with the default options
func NewExecutor() *Executor {
	opts := DefaultOptions
	opts.Logger = logrus.StandardLogger()
	return NewExecutorWithOptions(opts)
}

func NewExecutorWithOptions(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions.MaxConcurrent
	}
	return &Executor{
		Options: opts,
		slots:   semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Executor runs operations with a timeout. It is safe for concurrent use.
type Executor struct {
	Options Options
	slots   *semaphore.Weighted
	mtx     sync.Mutex
	lastID  uint64
	orphans map[uint64]Orphan
}

type result struct {
	out *Output
	err error
}

// Execute runs an operation for a stage, waiting at most timeout for it
// to finish. A zero timeout means no limit. Exactly one log record is
// emitted per call.
func (e *Executor) Execute(
	ctx context.Context, stage run.StageKind, op Operation, timeout time.Duration,
) (out *Output, err error) {
	start := time.Now()
	var orphan *Orphan
	defer func() {
		e.logOutcome(stage, op, time.Since(start), orphan, err)
	}()

	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("%s: %w", op.Summary(), cerr)
	}
	if aerr := e.slots.Acquire(ctx, 1); aerr != nil {
		return nil, fmt.Errorf("waiting for an executor slot: %w", aerr)
	}

	var opCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The slot is held until the operation really returns, even when
	// Execute gave up on it.
	done := make(chan result, 1)
	orphaned := make(chan *Orphan, 1)
	defer func() { orphaned <- orphan }()
	go func() {
		defer e.slots.Release(1)
		o, err := op.Run(opCtx)
		done <- result{o, err}
		if late := <-orphaned; late != nil {
			e.removeOrphan(late.ID)
		}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			if res.out == nil {
				res.out = &Output{}
			}
			return res.out, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op.Summary(), ctx.Err())
		}
		if opCtx.Err() != nil {
			return nil, NewTimedOut(op.Summary(), res.err)
		}
		return res.out, Classify(op.Summary(), res.err)
	case <-opCtx.Done():
	}

	cancel()
	if !e.awaitTermination(done) {
		orphan = e.addOrphan(ctx, stage, op)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op.Summary(), ctx.Err())
	}
	return nil, NewTimedOut(op.Summary(), fmt.Errorf("no result after %s", timeout))
}

// awaitTermination waits for a cancelled operation to return
func (e *Executor) awaitTermination(done <-chan result) bool {
	if e.Options.KillGrace <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(e.Options.KillGrace)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (e *Executor) addOrphan(ctx context.Context, stage run.StageKind, op Operation) *Orphan {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.orphans == nil {
		e.orphans = map[uint64]Orphan{}
	}
	e.lastID++
	o := Orphan{
		ID: e.lastID, Run: runFrom(ctx), Stage: stage, Summary: op.Summary(), Since: time.Now(),
	}
	e.orphans[o.ID] = o
	return &o
}

func (e *Executor) removeOrphan(id uint64) {
	e.mtx.Lock()
	o, ok := e.orphans[id]
	delete(e.orphans, id)
	e.mtx.Unlock()
	if ok {
		e.Options.Logger.WithFields(logrus.Fields{
			"stage": o.Stage.String(), "command": o.Summary,
		}).Infof("Orphaned operation returned after %s", time.Since(o.Since).Round(time.Millisecond))
	}
}

// Orphans returns the operations still running after timing out, oldest
// first. An operation leaves the list when it finally returns.
func (e *Executor) Orphans() []Orphan {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	ret := make([]Orphan, 0, len(e.orphans))
	for _, o := range e.orphans {
		ret = append(ret, o)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// OrphansOf returns the orphaned operations of a pipeline run
func (e *Executor) OrphansOf(runID string) []Orphan {
	ret := []Orphan{}
	for _, o := range e.Orphans() {
		if o.Run == runID {
			ret = append(ret, o)
		}
	}
	return ret
}

func (e *Executor) logOutcome(stage run.StageKind, op Operation, d time.Duration, orphan *Orphan, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if k := KindOf(err); k != "" {
			outcome = string(k)
		}
	}
	entry := e.Options.Logger.WithFields(logrus.Fields{
		"stage":    stage.String(),
		"command":  op.Summary(),
		"outcome":  outcome,
		"duration": d.Round(time.Millisecond).String(),
	})
	if orphan != nil {
		entry.WithError(err).WithField("orphan", orphan.ID).Warn(
			"Operation timed out and is still running, it needs to be cleaned up",
		)
		return
	}
	if err != nil {
		entry.WithError(err).Warn("Operation did not succeed")
		return
	}
	entry.Info("Operation completed")
}
