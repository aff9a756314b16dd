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
	"os"
	"path/filepath"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/builder"
	"sigs.k8s.io/comal/pkg/builder/driver"
	"sigs.k8s.io/comal/pkg/cluster"
	"sigs.k8s.io/comal/pkg/config"
	"sigs.k8s.io/comal/pkg/exec"
	"sigs.k8s.io/comal/pkg/git"
	"sigs.k8s.io/comal/pkg/rollout"
	"sigs.k8s.io/comal/pkg/run"
)

// defaultSteps runs the stages with the git, builder and cluster drivers
type defaultSteps struct {
	config   *config.Config
	repo     *git.Repository
	builder  *builder.Builder
	cluster  *cluster.Client
	manifest []byte
}

func newDefaultSteps(cfg *config.Config, c *cluster.Client) (*defaultSteps, error) {
	s := &defaultSteps{config: cfg, cluster: c}

	s.repo = git.NewRepository(cfg.Source.Dir)
	s.repo.Options.URL = cfg.Source.URL
	s.repo.Options.Branch = cfg.Source.Branch
	s.repo.Options.Depth = cfg.Source.Depth
	s.repo.Options.Token = cfg.Credentials.GitToken

	b, err := builder.New(cfg.Build.Driver, driver.Options{
		RegistryToken: cfg.Credentials.RegistryToken,
		Insecure:      cfg.Push.Insecure,
		Workdir:       os.TempDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating builder: %w", err)
	}
	s.builder = b

	if cfg.StageEnabled(run.Deploy) || cfg.Rollback.Enabled {
		data, err := os.ReadFile(cfg.Deploy.Manifest)
		if err != nil {
			return nil, fmt.Errorf("reading deployment manifest: %w", err)
		}
		s.manifest = data
	}
	return s, nil
}

func (s *defaultSteps) request(ref artifact.Ref) *driver.Request {
	return buildRequest(s.config, ref)
}

// buildRequest resolves the build context and Dockerfile inside the
// checked out source
func buildRequest(cfg *config.Config, ref artifact.Ref) *driver.Request {
	contextDir := cfg.Build.Context
	if cfg.Source.Dir != "" && !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(cfg.Source.Dir, contextDir)
	}
	return &driver.Request{
		ContextDir: contextDir,
		Dockerfile: filepath.Join(contextDir, cfg.Build.Dockerfile),
		BuildArgs:  cfg.Build.Args,
		Ref:        ref,
	}
}

func (s *defaultSteps) Checkout(artifact.Ref) exec.Operation {
	return &exec.Func{
		Name: fmt.Sprintf("checkout %s@%s", s.repo.Options.URL, s.repo.Options.Branch),
		Fn: func(ctx context.Context) (*exec.Output, error) {
			commit, err := s.repo.Checkout(ctx)
			if err != nil {
				return nil, err
			}
			return &exec.Output{Path: s.repo.Options.CWD, Commit: commit}, nil
		},
	}
}

func (s *defaultSteps) Build(ref artifact.Ref) exec.Operation {
	return s.builder.BuildOperation(s.request(ref))
}

func (s *defaultSteps) Push(ref artifact.Ref) exec.Operation {
	return s.builder.PushOperation(s.request(ref))
}

func (s *defaultSteps) Apply(ref artifact.Ref) exec.Operation {
	target := deploymentRef(s.config)
	return &exec.Func{
		Name: fmt.Sprintf("apply %s image %s", target, ref.Reference()),
		Fn: func(ctx context.Context) (*exec.Output, error) {
			res, err := s.cluster.Apply(ctx, target, cluster.Workload{
				Manifest:  s.manifest,
				Container: s.config.Deploy.Container,
				Replicas:  s.config.DesiredReplicas(),
			}, ref)
			if err != nil {
				return nil, err
			}
			return &exec.Output{Stdout: string(res)}, nil
		},
	}
}

// Verify runs the smoke command with the image reference in its
// environment
func (s *defaultSteps) Verify(ref artifact.Ref) exec.Operation {
	smoke := s.config.Verify.Smoke
	if len(smoke) == 0 {
		return nil
	}
	cmd := exec.NewCommand(s.config.Source.Dir, smoke[0], smoke[1:]...)
	cmd.Env = []string{"COMAL_IMAGE=" + ref.Reference()}
	return cmd
}

func deploymentRef(cfg *config.Config) rollout.DeploymentRef {
	return rollout.DeploymentRef{Namespace: cfg.Deploy.Namespace, Name: cfg.Deploy.Name}
}
