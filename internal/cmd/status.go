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
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sigs.k8s.io/comal/pkg/run"
	"sigs.k8s.io/comal/pkg/store"
	"sigs.k8s.io/comal/pkg/store/driver"
)

type runLogOptions struct {
	runLog string
}

// open returns the run log named in the flags, falling back to the one
// in the configuration file
func (o *runLogOptions) open(ctx context.Context, co *configOptions) (*store.Store, error) {
	spec := o.runLog
	opts := store.Options{}
	if spec == "" || co.ConfigPath != "" {
		cfg, err := co.load()
		if err != nil && spec == "" {
			return nil, err
		}
		if err == nil {
			if spec == "" {
				spec = cfg.RunLog
			}
			opts.S3 = driver.S3Options{
				AccessKey: cfg.Credentials.S3AccessKey,
				SecretKey: cfg.Credentials.S3SecretKey,
			}
		}
	}
	if spec == "" {
		return nil, errors.New("no run log configured")
	}
	return store.New(ctx, spec, opts)
}

func addRunLogFlags(command *cobra.Command) *runLogOptions {
	opts := &runLogOptions{}
	command.PersistentFlags().StringVar(
		&opts.runLog,
		"run-log",
		"",
		"URL of the run log (file://, gs:// or s3://), overrides the configuration",
	)
	return opts
}

// loadRun reads a run from the log
func loadRun(ctx context.Context, lo *runLogOptions, co *configOptions, runID string) (*run.PipelineRun, error) {
	s, err := lo.open(ctx, co)
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	pr, err := s.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return pr, nil
}

func addStatus(parentCmd *cobra.Command) {
	var configOpts *configOptions
	var runLogOpts *runLogOptions
	var outputOpts *outputOptions

	statusCmd := &cobra.Command{
		Short: "Print the record of a pipeline run",
		Long: `comal status <run-id>

Replays the run log of a pipeline run and prints it as JSON. Runs
that did not finish are reported with the running status.
	`,
		Use:          "status RUN_ID",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := loadRun(cmd.Context(), runLogOpts, configOpts, args[0])
			if err != nil {
				return err
			}
			logrus.Infof("Run %s of %s is %s", pr.ID, pr.Artifact.Reference(), pr.Status)
			return outputOpts.write(pr)
		},
	}
	configOpts = addConfigFlags(statusCmd, "")
	runLogOpts = addRunLogFlags(statusCmd)
	outputOpts = addOutputFlags(statusCmd)
	parentCmd.AddCommand(statusCmd)
}

func addValidate(parentCmd *cobra.Command) {
	var configOpts *configOptions
	validateCmd := &cobra.Command{
		Short:        "Check a pipeline configuration file",
		Use:          "validate",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := configOpts.Validate(); err != nil {
				return err
			}
			cfg, err := configOpts.load()
			if err != nil {
				return err
			}
			ref, err := cfg.ArtifactRef()
			if err != nil {
				return err
			}
			logrus.Infof("Configuration is valid, the pipeline deploys %s", ref.Reference())
			return nil
		},
	}
	configOpts = addConfigFlags(validateCmd, defaultConfigPath)
	parentCmd.AddCommand(validateCmd)
}
