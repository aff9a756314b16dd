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

package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/exec"
)

// BuildSystem is an interface to a tool that turns a source tree into a
// container image and uploads it to a registry
type BuildSystem interface {
	Build(context.Context, *Request) error
	// Push uploads the image built for the request and returns its digest
	Push(context.Context, *Request) (string, error)
}

// Request describes the image to build
type Request struct {
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Ref        artifact.Ref
}

func (r *Request) buildArgs() []string {
	args := []string{"build", "-t", r.Ref.Reference()}
	if r.Dockerfile != "" {
		args = append(args, "-f", r.Dockerfile)
	}
	keys := make([]string, 0, len(r.BuildArgs))
	for k := range r.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+r.BuildArgs[k])
	}
	return append(args, r.ContextDir)
}

// Options configures how drivers reach the registry
type Options struct {
	// RegistryToken is used as a bearer token when set, otherwise the
	// credentials come from the default keychain.
	RegistryToken string
	Insecure      bool
	// Workdir holds intermediate files like image tarballs
	Workdir string
	// Run executes the commands of the driver. Defaults to running them
	// as local processes.
	Run func(context.Context, *exec.Command) (*exec.Output, error)
}

func (o *Options) craneOptions(ctx context.Context) []crane.Option {
	opts := []crane.Option{crane.WithContext(ctx)}
	if o.RegistryToken != "" {
		opts = append(opts, crane.WithAuth(&authn.Bearer{Token: o.RegistryToken}))
	} else {
		opts = append(opts, crane.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	if o.Insecure {
		opts = append(opts, crane.Insecure)
	}
	return opts
}

func (o *Options) run(ctx context.Context, cmd *exec.Command) (*exec.Output, error) {
	if o.Run != nil {
		return o.Run(ctx, cmd)
	}
	return cmd.Run(ctx)
}

func NewFromMoniker(moniker string, opts Options) (BuildSystem, error) {
	var driver BuildSystem
	switch moniker {
	case "docker", "":
		driver = &Docker{Options: opts}
	case "crane":
		driver = &Crane{Options: opts}
	default:
		return nil, fmt.Errorf("unable to get driver from moniker %s", moniker)
	}
	return driver, nil
}

// ClassifyRegistry maps registry errors to execution errors. Rejected
// credentials are permanent, throttling and server errors are retried.
func ClassifyRegistry(summary string, err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return exec.Classify(summary, err)
	}
	switch {
	case terr.StatusCode == http.StatusUnauthorized, terr.StatusCode == http.StatusForbidden:
		return exec.NewPermanentNetwork(summary, err)
	case terr.StatusCode == http.StatusTooManyRequests, terr.StatusCode >= 500:
		return exec.NewNetwork(summary, err)
	}
	return exec.NewFailed(summary, 0, "", err)
}
