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

package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sigs.k8s.io/release-utils/log"
	"sigs.k8s.io/release-utils/version"
)

func Execute() error {
	rootCmd := &cobra.Command{
		Short: "Build, push and deploy a container image",
		Long: `comal (the griddle where the tortillas are cooked)

comal takes a source repository through a deployment pipeline:
it checks out the code, builds and pushes a container image, rolls
it out to a Kubernetes deployment and verifies it came up healthy.
When the new version does not converge, comal rolls back to the
previous image.

Every stage attempt is written to a run log that can be inspected
later with comal status.

	`,
		Use:               "comal",
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(
		&commandLineOpts.logLevel,
		"log-level",
		"info",
		fmt.Sprintf("the logging verbosity, either %s", log.LevelNames()),
	)

	addRun(rootCmd)
	addStatus(rootCmd)
	addValidate(rootCmd)
	addAttest(rootCmd)
	rootCmd.AddCommand(version.WithFont("larry3d"))

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
		return err
	}
	return nil
}

type commandLineOptions struct {
	logLevel string
}

var commandLineOpts = &commandLineOptions{}

func initLogging(*cobra.Command, []string) error {
	return log.SetupGlobalLogger(commandLineOpts.logLevel)
}
