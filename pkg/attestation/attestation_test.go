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

package attestation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/run"
)

const commit = "0123456789abcdef0123456789abcdef01234567"

func pushedRun(t *testing.T) *run.PipelineRun {
	t.Helper()
	ref, err := artifact.New("registry.example.com", "team/web", "42")
	require.NoError(t, err)
	r := run.New("run-1", ref)
	r.Commit = commit
	r.Digest = "sha256:b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c"
	require.NoError(t, r.Append(run.StageResult{Stage: run.Checkout, Outcome: run.Success, Attempt: 1}))
	require.NoError(t, r.Append(run.StageResult{Stage: run.Build, Outcome: run.Success, Attempt: 1}))
	require.NoError(t, r.Append(run.StageResult{
		Stage: run.Push, Outcome: run.Success, Attempt: 1, Time: time.Now().Add(time.Minute),
	}))
	return r
}

func decode(t *testing.T, att *Attestation) map[string]any {
	t.Helper()
	data, err := att.ToJSON()
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestFromRunV1(t *testing.T) {
	att, err := FromRun(pushedRun(t), Options{
		SourceURL: "https://github.com/example/web", EntryPoint: "Dockerfile", BuildNumber: "17",
	})
	require.NoError(t, err)

	doc := decode(t, att)
	require.Equal(t, statementV1, doc["_type"])
	require.Equal(t, "https://slsa.dev/provenance/v1", doc["predicateType"])

	subjects := doc["subject"].([]any)
	require.Len(t, subjects, 1)
	subject := subjects[0].(map[string]any)
	require.Equal(t, "registry.example.com/team/web", subject["name"])
	require.Equal(t,
		"b5bb9d8014a0f9b1d61e21e796d78dccdf1352f23cd32812f4850b878ae4944c",
		subject["digest"].(map[string]any)["sha256"],
	)

	pred := doc["predicate"].(map[string]any)
	def := pred["buildDefinition"].(map[string]any)
	require.Equal(t, BuildTypeURI, def["buildType"])
	deps := def["resolvedDependencies"].([]any)
	require.Len(t, deps, 1)
	require.Equal(t, "https://github.com/example/web@"+commit, deps[0].(map[string]any)["uri"])
	require.Equal(t, "17", def["internalParameters"].(map[string]any)["buildNumber"])

	details := pred["runDetails"].(map[string]any)
	require.Equal(t, BuilderID, details["builder"].(map[string]any)["id"])
	require.Equal(t, "run-1", details["metadata"].(map[string]any)["invocationId"])
}

func TestFromRunV02(t *testing.T) {
	att, err := FromRun(pushedRun(t), Options{
		SLSAVersion: SLSAVersion02, SourceURL: "https://github.com/example/web",
	})
	require.NoError(t, err)

	doc := decode(t, att)
	require.Equal(t, "https://in-toto.io/Statement/v0.1", doc["_type"])
	require.Equal(t, "https://slsa.dev/provenance/v0.2", doc["predicateType"])

	pred := doc["predicate"].(map[string]any)
	require.Equal(t, BuilderID, pred["builder"].(map[string]any)["id"])
	materials := pred["materials"].([]any)
	require.Len(t, materials, 1)
	require.Equal(t, commit, materials[0].(map[string]any)["digest"].(map[string]any)["sha1"])
	source := pred["invocation"].(map[string]any)["configSource"].(map[string]any)
	require.Equal(t, "https://github.com/example/web@"+commit, source["uri"])
	require.Equal(t, "run-1", pred["metadata"].(map[string]any)["buildInvocationID"])
}

func TestFromRunMaterials(t *testing.T) {
	sum := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	att, err := FromRun(pushedRun(t), Options{
		SourceURL: "https://github.com/example/web",
		Materials: map[string]string{"Dockerfile": sum},
	})
	require.NoError(t, err)

	def := decode(t, att)["predicate"].(map[string]any)["buildDefinition"].(map[string]any)
	deps := def["resolvedDependencies"].([]any)
	require.Len(t, deps, 2)
	dockerfile := deps[1].(map[string]any)
	require.Equal(t, "Dockerfile", dockerfile["uri"])
	require.Equal(t, sum, dockerfile["digest"].(map[string]any)["sha256"])
}

func TestFromRunErrors(t *testing.T) {
	r := pushedRun(t)
	_, err := FromRun(r, Options{SLSAVersion: "v9"})
	require.Error(t, err)

	r.Digest = ""
	_, err = FromRun(r, Options{})
	require.Error(t, err)

	r.Digest = "nodigest"
	_, err = FromRun(r, Options{})
	require.Error(t, err)
}

func TestWrite(t *testing.T) {
	att, err := FromRun(pushedRun(t), Options{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out", "run-1.intoto.json")
	require.NoError(t, att.Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(data))
}
