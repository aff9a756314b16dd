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

package builder

import (
	"context"
	"fmt"

	"sigs.k8s.io/comal/pkg/builder/driver"
	"sigs.k8s.io/comal/pkg/exec"
)

type Builder struct {
	Moniker string
	driver  driver.BuildSystem
}

// New returns a new builder loaded with the driver named by moniker
func New(moniker string, opts driver.Options) (*Builder, error) {
	d, err := driver.NewFromMoniker(moniker, opts)
	if err != nil {
		return nil, fmt.Errorf("getting driver: %w", err)
	}
	return NewWithDriver(moniker, d), nil
}

func NewWithDriver(moniker string, d driver.BuildSystem) *Builder {
	return &Builder{Moniker: moniker, driver: d}
}

// BuildOperation returns the operation that builds the image of the request
func (b *Builder) BuildOperation(r *driver.Request) exec.Operation {
	return &exec.Func{
		Name: fmt.Sprintf("%s build %s", b.Moniker, r.Ref.Reference()),
		Fn: func(ctx context.Context) (*exec.Output, error) {
			if err := b.driver.Build(ctx, r); err != nil {
				return nil, err
			}
			return &exec.Output{Path: r.ContextDir}, nil
		},
	}
}

// PushOperation returns the operation that pushes the image and reports
// its digest
func (b *Builder) PushOperation(r *driver.Request) exec.Operation {
	return &exec.Func{
		Name: fmt.Sprintf("%s push %s", b.Moniker, r.Ref.Reference()),
		Fn: func(ctx context.Context) (*exec.Output, error) {
			digest, err := b.driver.Push(ctx, r)
			if err != nil {
				return nil, err
			}
			return &exec.Output{Digest: digest}, nil
		},
	}
}
