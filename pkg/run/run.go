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

package run

import (
	"encoding/json"
	"fmt"
	"time"

	"sigs.k8s.io/comal/pkg/artifact"
)

// StageKind identifies a pipeline stage. Stages are ordered, a run log
// never lists a stage after a later one.
type StageKind int

const (
	Checkout StageKind = iota
	Build
	Push
	Deploy
	Verify
	Rollback
)

var stageNames = map[StageKind]string{
	Checkout: "checkout",
	Build:    "build",
	Push:     "push",
	Deploy:   "deploy",
	Verify:   "verify",
	Rollback: "rollback",
}

// Stages lists the forward stages in execution order
var Stages = []StageKind{Checkout, Build, Push, Deploy, Verify}

func (s StageKind) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s StageKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *StageKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for k, n := range stageNames {
		if n == str {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", str)
}

// Outcome is the result of a single stage attempt
type Outcome string

const (
	Success Outcome = "success"
	Failed  Outcome = "failed"
	Retried Outcome = "retried"
	Skipped Outcome = "skipped"
)

// Status is the overall state of a pipeline run
type Status string

const (
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// IsTerminal returns true for the statuses a run ends in
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRolledBack
}

// StageResult records one attempt of a stage. Results are created once
// and appended to the run, they are never modified afterwards.
type StageResult struct {
	Stage      StageKind `json:"stage"`
	Outcome    Outcome   `json:"outcome"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"durationMs"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// PipelineRun is the record of one pipeline execution
type PipelineRun struct {
	ID        string        `json:"id"`
	Artifact  artifact.Ref  `json:"artifact"`
	Deployed  *artifact.Ref `json:"deployed,omitempty"`
	Commit    string        `json:"commit,omitempty"`
	Digest    string        `json:"digest,omitempty"`
	Stages    []StageResult `json:"stages"`
	Status    Status        `json:"status"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime,omitempty"`
}

// New returns a running pipeline run for an artifact
func New(id string, ref artifact.Ref) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Artifact:  ref,
		Stages:    []StageResult{},
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
}

// IsTerminal returns true once the run status has been set
func (r *PipelineRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Append adds a stage result to the run log
func (r *PipelineRun) Append(res StageResult) error {
	if r.IsTerminal() {
		return fmt.Errorf("run %s is already %s", r.ID, r.Status)
	}
	if res.Attempt < 1 {
		return fmt.Errorf("invalid attempt number %d", res.Attempt)
	}
	if last := r.Last(); last != nil && res.Stage < last.Stage {
		return fmt.Errorf(
			"stage %s cannot be recorded after %s", res.Stage, last.Stage,
		)
	}
	if res.Time.IsZero() {
		res.Time = time.Now()
	}
	r.Stages = append(r.Stages, res)
	return nil
}

// Finish sets the terminal status of the run. It can only be called once.
func (r *PipelineRun) Finish(status Status) error {
	if r.IsTerminal() {
		return fmt.Errorf("run %s already finished as %s", r.ID, r.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("%s is not a terminal status", status)
	}
	r.Status = status
	r.EndTime = time.Now()
	return nil
}

// Last returns the latest result in the log or nil if empty
func (r *PipelineRun) Last() *StageResult {
	if len(r.Stages) == 0 {
		return nil
	}
	return &r.Stages[len(r.Stages)-1]
}

// ResultsFor returns the results recorded for a stage
func (r *PipelineRun) ResultsFor(stage StageKind) []StageResult {
	ret := []StageResult{}
	for _, s := range r.Stages {
		if s.Stage == stage {
			ret = append(ret, s)
		}
	}
	return ret
}

// RolloutSnapshot is a point in time view of a deployment's replicas
type RolloutSnapshot struct {
	DesiredReplicas int32     `json:"desiredReplicas"`
	ReadyReplicas   int32     `json:"readyReplicas"`
	UpdatedReplicas int32     `json:"updatedReplicas"`
	Timestamp       time.Time `json:"timestamp"`
}

// Converged returns true when the deployment asks for the desired replica
// count and all of them are updated and ready
func (s *RolloutSnapshot) Converged(desired int32) bool {
	return s != nil && s.DesiredReplicas == desired &&
		s.ReadyReplicas == desired && s.UpdatedReplicas == desired
}

func (s *RolloutSnapshot) String() string {
	if s == nil {
		return "<no snapshot>"
	}
	return fmt.Sprintf(
		"%d/%d ready, %d/%d updated",
		s.ReadyReplicas, s.DesiredReplicas, s.UpdatedReplicas, s.DesiredReplicas,
	)
}
