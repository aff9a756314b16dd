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

package driver

import (
	"context"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/exec"
)

// Docker builds and pushes images with the docker CLI
type Docker struct {
	Options Options
}

func (d *Docker) Build(ctx context.Context, r *Request) error {
	cmd := exec.NewCommand(r.ContextDir, "docker", r.buildArgs()...)
	if _, err := d.Options.run(ctx, cmd); err != nil {
		return err
	}
	return nil
}

// Push runs docker push and reads the digest of the tag back from the
// registry
func (d *Docker) Push(ctx context.Context, r *Request) (string, error) {
	cmd := exec.NewCommand(r.ContextDir, "docker", "push", r.Ref.Reference())
	if _, err := d.Options.run(ctx, cmd); err != nil {
		return "", err
	}
	digest, err := crane.Digest(r.Ref.Reference(), d.Options.craneOptions(ctx)...)
	if err != nil {
		return "", ClassifyRegistry("resolve digest of "+r.Ref.Reference(), err)
	}
	logrus.Infof("Pushed %s (%s)", r.Ref.Reference(), digest)
	return digest, nil
}
