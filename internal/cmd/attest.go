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
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sigs.k8s.io/comal/pkg/attestation"
)

type attestOptions struct {
	slsaVersion string
	sourceURL   string
	entryPoint  string
}

var slsaVersions = []string{attestation.SLSAVersion1, attestation.SLSAVersion02}

func (o *attestOptions) Verify() error {
	errs := []error{}
	if !slices.Contains(slsaVersions, o.slsaVersion) {
		errs = append(errs, fmt.Errorf("invalid slsa version, must be one of %v", slsaVersions))
	}
	if o.sourceURL == "" {
		errs = append(errs, errors.New("the source repository URL is required"))
	}
	return errors.Join(errs...)
}

func addAttest(parentCmd *cobra.Command) {
	attestOpts := attestOptions{}
	var configOpts *configOptions
	var runLogOpts *runLogOptions
	var outputOpts *outputOptions

	attestCmd := &cobra.Command{
		Short: "Generate the provenance attestation of a recorded run",
		Long: `comal attest <run-id>

Reads a pipeline run from the run log and writes an in-toto
attestation with the SLSA provenance of the image it pushed. The
run must have recorded the image digest.
	`,
		Use:          "attest RUN_ID",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := attestOpts.Verify(); err != nil {
				return fmt.Errorf("verifying options: %w", err)
			}

			pr, err := loadRun(cmd.Context(), runLogOpts, configOpts, args[0])
			if err != nil {
				return err
			}

			att, err := attestation.FromRun(pr, attestation.Options{
				SLSAVersion: attestOpts.slsaVersion,
				SourceURL:   attestOpts.sourceURL,
				EntryPoint:  attestOpts.entryPoint,
			})
			if err != nil {
				return fmt.Errorf("generating attestation: %w", err)
			}
			logrus.Infof("Attesting %s of run %s", pr.Artifact.Reference(), pr.ID)
			return outputOpts.write(att)
		},
	}

	configOpts = addConfigFlags(attestCmd, "")
	runLogOpts = addRunLogFlags(attestCmd)
	outputOpts = addOutputFlags(attestCmd)

	attestCmd.PersistentFlags().StringVar(
		&attestOpts.slsaVersion,
		"slsa",
		attestation.SLSAVersion1,
		fmt.Sprintf("SLSA provenance version, one of %v", slsaVersions),
	)
	attestCmd.PersistentFlags().StringVar(
		&attestOpts.sourceURL,
		"vcs-url",
		"",
		"URL of the repository the image was built from",
	)
	attestCmd.PersistentFlags().StringVar(
		&attestOpts.entryPoint,
		"entry-point",
		"Dockerfile",
		"path of the Dockerfile in the repository",
	)

	parentCmd.AddCommand(attestCmd)
}
