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

package artifact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ErrInvalidArtifact is returned when an artifact reference cannot be built
var ErrInvalidArtifact = errors.New("invalid artifact")

// Ref identifies a built container image in a registry. Refs are values,
// two refs are the same artifact when they compare equal.
type Ref struct {
	Registry   string `json:"registry,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// New returns a validated artifact reference. The tag is mandatory, it is
// usually the build number of the pipeline run.
func New(registry, repository, tag string) (Ref, error) {
	r := Ref{
		Registry:   strings.TrimSuffix(strings.TrimSpace(registry), "/"),
		Repository: strings.Trim(strings.TrimSpace(repository), "/"),
		Tag:        strings.TrimSpace(tag),
	}
	if r.Tag == "" {
		return Ref{}, fmt.Errorf("%w: tag is empty", ErrInvalidArtifact)
	}
	if r.Repository == "" {
		return Ref{}, fmt.Errorf("%w: repository is empty", ErrInvalidArtifact)
	}
	// Reference must read back into the same registry and repository
	if r.Registry != "" && (strings.Contains(r.Registry, "/") || !isHost(r.Registry)) {
		return Ref{}, fmt.Errorf(
			"%w: registry %q must be a host (with a dot or a port, or localhost)", ErrInvalidArtifact, r.Registry,
		)
	}
	if first, _, ok := strings.Cut(r.Repository, "/"); ok && r.Registry == "" && isHost(first) {
		return Ref{}, fmt.Errorf(
			"%w: repository %q starts with a host, set it as the registry", ErrInvalidArtifact, r.Repository,
		)
	}
	if _, err := name.NewTag(r.Reference()); err != nil {
		return Ref{}, fmt.Errorf("%w: %s: %w", ErrInvalidArtifact, r.Reference(), err)
	}
	return r, nil
}

// Parse reads a reference in the registry/repository:tag form back into
// a Ref. A leading path component is considered the registry when it looks
// like a host (has a dot or a port, or is localhost).
func Parse(reference string) (Ref, error) {
	reference = strings.TrimSpace(reference)
	slash := strings.LastIndex(reference, "/")
	colon := strings.LastIndex(reference, ":")
	if colon <= slash {
		return Ref{}, fmt.Errorf("%w: %q has no tag", ErrInvalidArtifact, reference)
	}
	path, tag := reference[:colon], reference[colon+1:]

	registry := ""
	if first, rest, ok := strings.Cut(path, "/"); ok && isHost(first) {
		registry, path = first, rest
	}
	return New(registry, path, tag)
}

func isHost(component string) bool {
	return strings.ContainsAny(component, ".:") || component == "localhost"
}

// Reference returns the canonical registry/repository:tag string
func (r Ref) Reference() string {
	if r.Registry == "" {
		return r.Repository + ":" + r.Tag
	}
	return r.Registry + "/" + r.Repository + ":" + r.Tag
}

// Repo returns the reference without the tag
func (r Ref) Repo() string {
	if r.Registry == "" {
		return r.Repository
	}
	return r.Registry + "/" + r.Repository
}

// WithTag returns the same artifact repository pointing to another tag
func (r Ref) WithTag(tag string) (Ref, error) {
	return New(r.Registry, r.Repository, tag)
}

// IsZero reports if the reference was never set
func (r Ref) IsZero() bool {
	return r == Ref{}
}

func (r Ref) String() string {
	return r.Reference()
}
