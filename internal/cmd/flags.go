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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sigs.k8s.io/comal/pkg/config"
)

type configOptions struct {
	ConfigPath string
}

func (co *configOptions) Validate() error {
	if co.ConfigPath == "" {
		return errors.New("no configuration file specified")
	}
	return nil
}

// load reads the configuration, credentials are taken from the
// environment
func (co *configOptions) load() (*config.Config, error) {
	cfg, err := config.Load(co.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

const defaultConfigPath = "comal.yaml"

func addConfigFlags(command *cobra.Command, defaultPath string) *configOptions {
	opts := &configOptions{}
	command.PersistentFlags().StringVarP(
		&opts.ConfigPath,
		"config",
		"c",
		defaultPath,
		"path to the pipeline configuration file",
	)
	return opts
}

type outputOptions struct {
	OutputPath string
}

// write marshals v as JSON to the output file or to STDOUT
func (oo *outputOptions) write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	data = append(data, '\n')
	if oo.OutputPath == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(oo.OutputPath, data, os.FileMode(0o644)); err != nil {
		return fmt.Errorf("writing output to %s: %w", oo.OutputPath, err)
	}
	return nil
}

func addOutputFlags(command *cobra.Command) *outputOptions {
	opts := &outputOptions{}
	command.PersistentFlags().StringVar(
		&opts.OutputPath,
		"output",
		"",
		"file to write the result to (instead of STDOUT)",
	)
	return opts
}
