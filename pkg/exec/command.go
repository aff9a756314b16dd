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

package exec

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/release-utils/command"
)

// Command is an operation that runs a local process. Processes started
// through release-utils can not be interrupted, when a command times out
// the executor reports it as an orphan.
type Command struct {
	Dir     string
	Name    string
	Args    []string
	Env     []string
	Verbose bool
}

// NewCommand returns a command operation running in dir
func NewCommand(dir, name string, args ...string) *Command {
	return &Command{Dir: dir, Name: name, Args: args}
}

func (c *Command) Summary() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Run executes the process and classifies a failure from its output
func (c *Command) Run(ctx context.Context) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := command.NewWithWorkDir(c.Dir, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd = cmd.Env(c.Env...)
	}

	var status *command.Status
	var err error
	if c.Verbose {
		status, err = cmd.Run()
	} else {
		status, err = cmd.RunSilent()
	}
	if status == nil {
		return nil, NewFailed(c.Summary(), -1, "", err)
	}
	if err != nil || !status.Success() {
		logrus.WithField("command", c.Summary()).Debugf("Command output:\n%s", status.Output())
		return nil, ClassifyOutput(c.Summary(), status.ExitCode(), status.Output()+status.Error())
	}
	return &Output{Stdout: status.Output()}, nil
}

// Func adapts a function into an Operation
type Func struct {
	Name string
	Fn   func(context.Context) (*Output, error)
}

func (f *Func) Summary() string {
	return f.Name
}

func (f *Func) Run(ctx context.Context) (*Output, error) {
	return f.Fn(ctx)
}
