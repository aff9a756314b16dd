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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/exec"
)

// Crane builds the image with docker and exports it to a tarball which
// is then pushed to the registry without going through the docker daemon
type Crane struct {
	Options Options
}

func (c *Crane) tarball(r *Request) string {
	dir := c.Options.Workdir
	if dir == "" {
		dir = os.TempDir()
	}
	name := strings.NewReplacer("/", "_", ":", "_").Replace(r.Ref.Reference())
	return filepath.Join(dir, name+".tar")
}

func (c *Crane) Build(ctx context.Context, r *Request) error {
	if _, err := c.Options.run(ctx, exec.NewCommand(r.ContextDir, "docker", r.buildArgs()...)); err != nil {
		return err
	}
	save := exec.NewCommand(r.ContextDir, "docker", "save", "-o", c.tarball(r), r.Ref.Reference())
	if _, err := c.Options.run(ctx, save); err != nil {
		return err
	}
	return nil
}

func (c *Crane) Push(ctx context.Context, r *Request) (string, error) {
	return c.pushTarball(ctx, c.tarball(r), r.Ref.Reference())
}

func (c *Crane) pushTarball(ctx context.Context, path, ref string) (string, error) {
	summary := "push " + ref
	img, err := crane.Load(path, c.Options.craneOptions(ctx)...)
	if err != nil {
		return "", exec.NewFailed(summary, 0, "", fmt.Errorf("loading image tarball: %w", err))
	}
	digest, err := img.Digest()
	if err != nil {
		return "", exec.NewFailed(summary, 0, "", fmt.Errorf("computing image digest: %w", err))
	}
	if err := crane.Push(img, ref, c.Options.craneOptions(ctx)...); err != nil {
		return "", ClassifyRegistry(summary, err)
	}
	logrus.Infof("Pushed %s (%s)", ref, digest)
	return digest.String(), nil
}
