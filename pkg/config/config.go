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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/retry"
	"sigs.k8s.io/comal/pkg/run"
)

const (
	EnvRegistryToken = "COMAL_REGISTRY_TOKEN"
	EnvGitToken      = "COMAL_GIT_TOKEN"
	EnvBuildNumber   = "BUILD_NUMBER"
	EnvS3AccessKey   = "COMAL_S3_ACCESS_KEY"
	EnvS3SecretKey   = "COMAL_S3_SECRET_KEY"
)

// Duration is a time.Duration written as a string like "1m30s"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the pipeline configuration. It is loaded once and not
// modified afterwards.
type Config struct {
	Artifact    Artifact    `yaml:"artifact"`
	Source      Source      `yaml:"source"`
	Build       Build       `yaml:"build"`
	Push        Push        `yaml:"push"`
	Deploy      Deploy      `yaml:"deploy"`
	Verify      Verify      `yaml:"verify"`
	Rollback    Rollback    `yaml:"rollback"`
	Retry       RetryConfig `yaml:"retry"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Execution   Execution   `yaml:"execution"`
	RunLog      string      `yaml:"runLog"`
	Notify      string      `yaml:"notify"`
	Attestation Attestation `yaml:"attestation"`

	// Credentials are read from the environment at load time
	Credentials Credentials `yaml:"-"`
}

type Credentials struct {
	RegistryToken string
	GitToken      string
	BuildNumber   string
	S3AccessKey   string
	S3SecretKey   string
}

type Artifact struct {
	Registry   string `yaml:"registry"`
	Repository string `yaml:"repository"`
	// Tag defaults to the build number
	Tag string `yaml:"tag"`
}

type Source struct {
	Enabled *bool  `yaml:"enabled"`
	URL     string `yaml:"url"`
	Branch  string `yaml:"branch"`
	Dir     string `yaml:"dir"`
	Depth   int    `yaml:"depth"`
}

type Build struct {
	Enabled    *bool             `yaml:"enabled"`
	Driver     string            `yaml:"driver"`
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Args       map[string]string `yaml:"args"`
}

type Push struct {
	Enabled  *bool `yaml:"enabled"`
	Insecure bool  `yaml:"insecure"`
}

type Deploy struct {
	Enabled    *bool  `yaml:"enabled"`
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	Name       string `yaml:"name"`
	Container  string `yaml:"container"`
	Manifest   string `yaml:"manifest"`
	// Replicas overrides the replica count of the manifest, zero scales
	// the deployment down
	Replicas     *int32   `yaml:"replicas"`
	PollInterval Duration `yaml:"pollInterval"`
	Timeout      Duration `yaml:"timeout"`
	// MaxPollFailures is the number of failed status queries in a row
	// tolerated while waiting for the rollout
	MaxPollFailures int `yaml:"maxPollFailures"`
}

type Verify struct {
	Enabled *bool    `yaml:"enabled"`
	Settle  Duration `yaml:"settle"`
	// Timeout bounds the second convergence check, the smoke command is
	// bounded by timeouts.verify
	Timeout Duration `yaml:"timeout"`
	Smoke   []string `yaml:"smoke"`
}

type Rollback struct {
	Enabled  bool   `yaml:"enabled"`
	PriorTag string `yaml:"priorTag"`
}

type Policy struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	Multiplier  float64  `yaml:"multiplier"`
	Jitter      float64  `yaml:"jitter"`
}

type RetryConfig struct {
	Default Policy            `yaml:"default"`
	Stages  map[string]Policy `yaml:"stages"`
}

type Timeouts struct {
	Checkout Duration `yaml:"checkout"`
	Build    Duration `yaml:"build"`
	Push     Duration `yaml:"push"`
	Deploy   Duration `yaml:"deploy"`
	Verify   Duration `yaml:"verify"`
}

type Execution struct {
	MaxConcurrent int64    `yaml:"maxConcurrent"`
	KillGrace     Duration `yaml:"killGrace"`
}

type Attestation struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	SLSAVersion string `yaml:"slsaVersion"`
}

// Load reads the configuration file and the credentials in the
// environment
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes a configuration, looking up credentials with getenv
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if getenv != nil {
		cfg.Credentials = Credentials{
			RegistryToken: getenv(EnvRegistryToken),
			GitToken:      getenv(EnvGitToken),
			BuildNumber:   getenv(EnvBuildNumber),
			S3AccessKey:   getenv(EnvS3AccessKey),
			S3SecretKey:   getenv(EnvS3SecretKey),
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Artifact.Tag == "" {
		c.Artifact.Tag = c.Credentials.BuildNumber
	}
	if c.Source.Branch == "" {
		c.Source.Branch = "main"
	}
	if c.Source.Depth == 0 {
		c.Source.Depth = 1
	}
	if c.Build.Driver == "" {
		c.Build.Driver = "docker"
	}
	if c.Build.Context == "" {
		c.Build.Context = "."
	}
	if c.Build.Dockerfile == "" {
		c.Build.Dockerfile = "Dockerfile"
	}
	if c.Deploy.Namespace == "" {
		c.Deploy.Namespace = "default"
	}
	if c.Deploy.Replicas == nil {
		one := int32(1)
		c.Deploy.Replicas = &one
	}
	if c.Deploy.PollInterval == 0 {
		c.Deploy.PollInterval = Duration(2 * time.Second)
	}
	if c.Deploy.Timeout == 0 {
		c.Deploy.Timeout = Duration(5 * time.Minute)
	}
	if c.Deploy.MaxPollFailures == 0 {
		c.Deploy.MaxPollFailures = 3
	}
	if c.Verify.Timeout == 0 {
		c.Verify.Timeout = Duration(2 * time.Minute)
	}
	if c.Retry.Default.MaxAttempts == 0 {
		def := retry.DefaultPolicy
		c.Retry.Default = Policy{
			MaxAttempts: def.MaxAttempts,
			Base:        Duration(def.Backoff.Base),
			Cap:         Duration(def.Backoff.Cap),
			Multiplier:  def.Backoff.Multiplier,
			Jitter:      def.Backoff.Jitter,
		}
	}
	t := &c.Timeouts
	for _, d := range []struct {
		field *Duration
		def   time.Duration
	}{
		{&t.Checkout, 5 * time.Minute},
		{&t.Build, 30 * time.Minute},
		{&t.Push, 10 * time.Minute},
		{&t.Deploy, 2 * time.Minute},
		{&t.Verify, 5 * time.Minute},
	} {
		if *d.field == 0 {
			*d.field = Duration(d.def)
		}
	}
	if c.Execution.MaxConcurrent == 0 {
		c.Execution.MaxConcurrent = 4
	}
	if c.Execution.KillGrace == 0 {
		c.Execution.KillGrace = Duration(5 * time.Second)
	}
	if c.Attestation.SLSAVersion == "" {
		c.Attestation.SLSAVersion = "v1"
	}
	if c.Attestation.Dir == "" {
		c.Attestation.Dir = "attestations"
	}
}

// Validate checks the configuration. The artifact reference is checked
// when the runner is created.
func (c *Config) Validate() error {
	errs := []error{}
	if c.StageEnabled(run.Checkout) {
		if c.Source.URL == "" {
			errs = append(errs, errors.New("source url is required to check out"))
		}
		if c.Source.Dir == "" {
			errs = append(errs, errors.New("source dir is required to check out"))
		}
	}
	if (c.StageEnabled(run.Deploy) || c.StageEnabled(run.Verify)) && c.Deploy.Name == "" {
		errs = append(errs, errors.New("deploy name is required to deploy or verify"))
	}
	if c.StageEnabled(run.Deploy) {
		if c.Deploy.Manifest == "" {
			errs = append(errs, errors.New("deploy manifest is required"))
		}
		if c.DesiredReplicas() < 0 {
			errs = append(errs, fmt.Errorf("deploy replicas can not be negative, got %d", c.DesiredReplicas()))
		}
	}
	if c.Deploy.PollInterval <= 0 || c.Deploy.Timeout <= 0 {
		errs = append(errs, errors.New("deploy poll interval and timeout must be positive"))
	}
	if c.Verify.Settle < 0 || c.Verify.Timeout <= 0 {
		errs = append(errs, errors.New("verify settle can not be negative and timeout must be positive"))
	}
	if c.Rollback.Enabled {
		if c.Rollback.PriorTag == "" {
			errs = append(errs, errors.New("rollback needs the prior tag"))
		}
		if c.Deploy.Manifest == "" {
			errs = append(errs, errors.New("rollback needs the deploy manifest"))
		}
	}
	if err := c.Retry.Default.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default retry policy: %w", err))
	}
	for name, p := range c.Retry.Stages {
		if _, ok := stageByName(name); !ok {
			errs = append(errs, fmt.Errorf("retry policy for unknown stage %q", name))
			continue
		}
		if err := c.mergedPolicy(p).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s retry policy: %w", name, err))
		}
	}
	if c.Execution.MaxConcurrent < 1 {
		errs = append(errs, errors.New("execution maxConcurrent must be at least 1"))
	}
	for name, spec := range map[string]string{"runLog": c.RunLog, "notify": c.Notify} {
		if spec == "" {
			continue
		}
		if u, err := url.Parse(spec); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Errorf("%s must be a URL, got %q", name, spec))
		}
	}
	switch c.Attestation.SLSAVersion {
	case "v1", "v0.2":
	default:
		errs = append(errs, fmt.Errorf("unsupported SLSA version %q", c.Attestation.SLSAVersion))
	}
	return errors.Join(errs...)
}

// ArtifactRef builds the reference of the image the pipeline deploys
func (c *Config) ArtifactRef() (artifact.Ref, error) {
	return artifact.New(c.Artifact.Registry, c.Artifact.Repository, c.Artifact.Tag)
}

// WithPrior returns a copy of the configuration that rolls back to the
// prior tag when the deployment fails. The receiver is left untouched.
func (c *Config) WithPrior(tag string) (*Config, error) {
	cp := *c
	cp.Rollback = Rollback{Enabled: true, PriorTag: tag}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cp, nil
}

// DesiredReplicas is the replica count applied to the deployment and
// awaited by the rollout monitor
func (c *Config) DesiredReplicas() int32 {
	if c.Deploy.Replicas == nil {
		return 1
	}
	return *c.Deploy.Replicas
}

// StageEnabled tells if a forward stage runs. Stages are enabled unless
// the configuration turns them off.
func (c *Config) StageEnabled(stage run.StageKind) bool {
	var flag *bool
	switch stage {
	case run.Checkout:
		flag = c.Source.Enabled
	case run.Build:
		flag = c.Build.Enabled
	case run.Push:
		flag = c.Push.Enabled
	case run.Deploy:
		flag = c.Deploy.Enabled
	case run.Verify:
		flag = c.Verify.Enabled
	case run.Rollback:
		return c.Rollback.Enabled
	}
	return flag == nil || *flag
}

// Policy converts the configuration into a retry policy
func (p Policy) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		Backoff: retry.BackoffSpec{
			Base:       p.Base.Std(),
			Cap:        p.Cap.Std(),
			Multiplier: p.Multiplier,
			Jitter:     p.Jitter,
		},
	}
}

// mergedPolicy fills the unset fields of a stage policy from the default
func (c *Config) mergedPolicy(p Policy) retry.Policy {
	d := c.Retry.Default
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base == 0 {
		p.Base = d.Base
	}
	if p.Cap == 0 {
		p.Cap = d.Cap
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter == 0 {
		p.Jitter = d.Jitter
	}
	return p.Policy()
}

// RetryPolicy returns the policy for a stage
func (c *Config) RetryPolicy(stage run.StageKind) retry.Policy {
	if p, ok := c.Retry.Stages[stage.String()]; ok {
		return c.mergedPolicy(p)
	}
	return c.Retry.Default.Policy()
}

// Timeout returns the time limit of a single attempt of a stage
func (c *Config) Timeout(stage run.StageKind) time.Duration {
	switch stage {
	case run.Checkout:
		return c.Timeouts.Checkout.Std()
	case run.Build:
		return c.Timeouts.Build.Std()
	case run.Push:
		return c.Timeouts.Push.Std()
	case run.Deploy, run.Rollback:
		return c.Timeouts.Deploy.Std()
	case run.Verify:
		return c.Timeouts.Verify.Std()
	}
	return 0
}

func stageByName(name string) (run.StageKind, bool) {
	for _, s := range []run.StageKind{run.Checkout, run.Build, run.Push, run.Deploy, run.Verify, run.Rollback} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}
