/*
Copyright 2022 Adolfo García Veytia

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
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/config"
	"sigs.k8s.io/comal/pkg/metrics"
	"sigs.k8s.io/comal/pkg/run"
	"sigs.k8s.io/comal/pkg/runner"
)

type runOptions struct {
	metricsAddr string
	prior       string
}

func (o *runOptions) Validate() error {
	if o.metricsAddr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(o.metricsAddr); err != nil {
		return fmt.Errorf("invalid metrics address: %w", err)
	}
	return nil
}

// applyPrior returns the configuration rolling back to the image passed
// in --prior. It must be a tag of the image the pipeline builds.
func (o *runOptions) applyPrior(cfg *config.Config) (*config.Config, error) {
	if o.prior == "" {
		return cfg, nil
	}
	prior, err := artifact.Parse(o.prior)
	if err != nil {
		return nil, fmt.Errorf("parsing prior image: %w", err)
	}
	ref, err := cfg.ArtifactRef()
	if err != nil {
		return nil, err
	}
	if prior.Repo() != ref.Repo() {
		return nil, fmt.Errorf("prior image %s is not a tag of %s", o.prior, ref.Repo())
	}
	return cfg.WithPrior(prior.Tag)
}

func addRun(parentCmd *cobra.Command) {
	runOpts := runOptions{}
	var configOpts *configOptions
	var outputOpts *outputOptions

	runCmd := &cobra.Command{
		Short: "Run the deployment pipeline",
		Long: `comal run -c comal.yaml

The run subcommand executes the pipeline described in the
configuration file: checkout, build, push, deploy and verify.
Transient failures are retried according to the retry policies.

The image tag defaults to the BUILD_NUMBER environment variable.
Registry and git credentials are read from COMAL_REGISTRY_TOKEN
and COMAL_GIT_TOKEN.

When the run finishes, its record is printed as JSON.
	`,
		Use:          "run",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := errors.Join(configOpts.Validate(), runOpts.Validate()); err != nil {
				return fmt.Errorf("validating options: %w", err)
			}
			cfg, err := configOpts.load()
			if err != nil {
				return err
			}
			cfg, err = runOpts.applyPrior(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			recorder := metrics.New()
			if runOpts.metricsAddr != "" {
				go func() {
					if err := recorder.Serve(ctx, runOpts.metricsAddr); err != nil {
						logrus.WithError(err).Error("Metrics server failed")
					}
				}()
			}

			r, err := runner.New(cfg, runner.WithMetrics(recorder))
			if err != nil {
				return fmt.Errorf("creating runner: %w", err)
			}
			defer func() {
				if err := r.Close(); err != nil {
					logrus.WithError(err).Warn("Closing runner")
				}
			}()

			pr := r.Run(ctx)
			if err := outputOpts.write(pr); err != nil {
				return err
			}
			if pr.Status != run.StatusSucceeded {
				return fmt.Errorf("run %s finished as %s", pr.ID, pr.Status)
			}
			return nil
		},
	}

	configOpts = addConfigFlags(runCmd, defaultConfigPath)
	outputOpts = addOutputFlags(runCmd)
	runCmd.PersistentFlags().StringVar(
		&runOpts.metricsAddr,
		"metrics-addr",
		"",
		"address to serve prometheus metrics on while running (eg :9090)",
	)
	runCmd.PersistentFlags().StringVar(
		&runOpts.prior,
		"prior",
		"",
		"image currently deployed (registry/repository:tag), enables rolling back to it",
	)

	parentCmd.AddCommand(runCmd)
}
