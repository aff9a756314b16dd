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

package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/builder/driver"
)

type fakeDriver struct {
	built    int
	digest   string
	pushErr  error
	lastPush *driver.Request
}

func (f *fakeDriver) Build(context.Context, *driver.Request) error {
	f.built++
	return nil
}

func (f *fakeDriver) Push(_ context.Context, r *driver.Request) (string, error) {
	f.lastPush = r
	return f.digest, f.pushErr
}

func TestOperations(t *testing.T) {
	ref, err := artifact.New("registry.example.com", "web", "42")
	require.NoError(t, err)
	fd := &fakeDriver{digest: "sha256:abc"}
	b := NewWithDriver("fake", fd)
	req := &driver.Request{ContextDir: "/src", Ref: ref}

	op := b.BuildOperation(req)
	require.Equal(t, "fake build registry.example.com/web:42", op.Summary())
	out, err := op.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/src", out.Path)
	require.Equal(t, 1, fd.built)

	out, err = b.PushOperation(req).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sha256:abc", out.Digest)
	require.Same(t, req, fd.lastPush)

	fd.pushErr = errors.New("denied")
	_, err = b.PushOperation(req).Run(context.Background())
	require.Error(t, err)
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New("bazel", driver.Options{})
	require.Error(t, err)

	b, err := New("crane", driver.Options{})
	require.NoError(t, err)
	require.Equal(t, "crane", b.Moniker)
}
