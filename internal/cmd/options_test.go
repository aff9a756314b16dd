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

package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/config"
	"sigs.k8s.io/comal/pkg/run"
)

const pipelineConfig = `
artifact:
  registry: registry.example.com
  repository: team/web
  tag: "42"
source:
  enabled: false
deploy:
  name: web
  manifest: deployment.yaml
`

func TestRunOptionsValidate(t *testing.T) {
	require.NoError(t, (&runOptions{}).Validate())
	require.NoError(t, (&runOptions{metricsAddr: ":9090"}).Validate())
	require.Error(t, (&runOptions{metricsAddr: "9090"}).Validate())
}

func TestApplyPrior(t *testing.T) {
	for _, tc := range []struct {
		name    string
		prior   string
		tag     string
		enabled bool
		err     bool
	}{
		{"none", "", "", false, false},
		{"same repo", "registry.example.com/team/web:41", "41", true, false},
		{"other repo", "registry.example.com/team/api:41", "", false, true},
		{"no tag", "registry.example.com/team/web", "", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(pipelineConfig), nil)
			require.NoError(t, err)
			got, err := (&runOptions{prior: tc.prior}).applyPrior(cfg)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.enabled, got.Rollback.Enabled)
			require.Equal(t, tc.tag, got.Rollback.PriorTag)
			// the loaded configuration is not modified
			require.False(t, cfg.Rollback.Enabled)
		})
	}
}

func TestAttestOptionsVerify(t *testing.T) {
	opts := &attestOptions{slsaVersion: "v1", sourceURL: "https://github.com/example/web"}
	require.NoError(t, opts.Verify())
	opts.slsaVersion = "v3"
	opts.sourceURL = ""
	require.Error(t, opts.Verify())
}

func TestOutputWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	oo := &outputOptions{OutputPath: path}
	require.NoError(t, oo.write(map[string]run.Status{"status": run.StatusSucceeded}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := map[string]string{}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "succeeded", got["status"])
}

func TestConfigOptionsValidate(t *testing.T) {
	require.Error(t, (&configOptions{}).Validate())
	require.NoError(t, (&configOptions{ConfigPath: defaultConfigPath}).Validate())
}
