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
	"fmt"

	"sigs.k8s.io/comal/pkg/run"
)

// State is the position of a run in the pipeline
type State int

const (
	Pending State = iota
	CheckingOut
	Building
	Pushing
	Deploying
	Verifying
	Succeeded
	Failed
	RollingBack
	RolledBack
)

var stateNames = map[State]string{
	Pending:     "Pending",
	CheckingOut: "Checkout",
	Building:    "Building",
	Pushing:     "Pushing",
	Deploying:   "Deploying",
	Verifying:   "Verifying",
	Succeeded:   "Succeeded",
	Failed:      "Failed",
	RollingBack: "RollingBack",
	RolledBack:  "RolledBack",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal returns true for the states a run can not leave
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == RolledBack
}

// Status maps a terminal state to the run status
func (s State) Status() run.Status {
	switch s {
	case Succeeded:
		return run.StatusSucceeded
	case Failed:
		return run.StatusFailed
	case RolledBack:
		return run.StatusRolledBack
	}
	return run.StatusRunning
}

// transitions lists the states reachable from each non terminal state
var transitions = map[State][]State{
	Pending:     {CheckingOut, Failed},
	CheckingOut: {Building, Failed},
	Building:    {Pushing, Failed},
	Pushing:     {Deploying, Failed},
	Deploying:   {Verifying, Failed, RollingBack},
	Verifying:   {Succeeded, Failed, RollingBack},
	RollingBack: {RolledBack, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stageStates maps the forward stages to the state the machine is in
// while running them
var stageStates = map[run.StageKind]State{
	run.Checkout: CheckingOut,
	run.Build:    Building,
	run.Push:     Pushing,
	run.Deploy:   Deploying,
	run.Verify:   Verifying,
	run.Rollback: RollingBack,
}
