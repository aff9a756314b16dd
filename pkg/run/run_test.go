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

package run

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/comal/pkg/artifact"
)

func testRun(t *testing.T) *PipelineRun {
	t.Helper()
	ref, err := artifact.New("registry.example.com", "hello", "42")
	require.NoError(t, err)
	return New("run-1", ref)
}

func TestAppendOrder(t *testing.T) {
	r := testRun(t)
	require.NoError(t, r.Append(StageResult{Stage: Checkout, Outcome: Success, Attempt: 1}))
	require.NoError(t, r.Append(StageResult{Stage: Build, Outcome: Retried, Attempt: 1}))
	require.NoError(t, r.Append(StageResult{Stage: Build, Outcome: Success, Attempt: 2}))

	// Going back to an earlier stage is not allowed
	require.Error(t, r.Append(StageResult{Stage: Checkout, Outcome: Success, Attempt: 1}))
	// Attempts start at 1
	require.Error(t, r.Append(StageResult{Stage: Push, Outcome: Success, Attempt: 0}))

	require.Len(t, r.Stages, 3)
	require.Len(t, r.ResultsFor(Build), 2)
	require.Equal(t, Success, r.Last().Outcome)
	require.False(t, r.Last().Time.IsZero())
}

func TestFinish(t *testing.T) {
	r := testRun(t)
	require.False(t, r.IsTerminal())
	require.Error(t, r.Finish(StatusRunning))
	require.NoError(t, r.Finish(StatusRolledBack))
	require.True(t, r.IsTerminal())
	require.False(t, r.EndTime.IsZero())

	// Status is set exactly once and the log is closed
	require.Error(t, r.Finish(StatusSucceeded))
	require.Error(t, r.Append(StageResult{Stage: Verify, Outcome: Success, Attempt: 1}))
	require.Equal(t, StatusRolledBack, r.Status)
}

func TestStageKindJSON(t *testing.T) {
	for _, s := range append(Stages, Rollback) {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		var parsed StageKind
		require.NoError(t, json.Unmarshal(data, &parsed))
		require.Equal(t, s, parsed)
	}
	var s StageKind
	require.Error(t, json.Unmarshal([]byte(`"compile"`), &s))
	require.Equal(t, "stage(99)", StageKind(99).String())
}

func TestConverged(t *testing.T) {
	for _, tc := range []struct {
		snap    *RolloutSnapshot
		desired int32
		expect  bool
	}{
		{&RolloutSnapshot{DesiredReplicas: 3, ReadyReplicas: 3, UpdatedReplicas: 3}, 3, true},
		{&RolloutSnapshot{DesiredReplicas: 3, ReadyReplicas: 3, UpdatedReplicas: 2}, 3, false},
		{&RolloutSnapshot{DesiredReplicas: 3, ReadyReplicas: 2, UpdatedReplicas: 3}, 3, false},
		{&RolloutSnapshot{DesiredReplicas: 3, ReadyReplicas: 3, UpdatedReplicas: 3}, 4, false},
		{&RolloutSnapshot{DesiredReplicas: 3, ReadyReplicas: 1, UpdatedReplicas: 1}, 1, false},
		{&RolloutSnapshot{DesiredReplicas: 0, ReadyReplicas: 0, UpdatedReplicas: 0}, 0, true},
		{nil, 0, false},
	} {
		require.Equal(t, tc.expect, tc.snap.Converged(tc.desired))
	}
}
