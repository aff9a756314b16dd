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

package attestation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/in-toto/attestation/go/v1"
	intoto "github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"

	"sigs.k8s.io/comal/pkg/run"
)

const (
	statementV1   = "https://in-toto.io/Statement/v1"
	BuilderID     = "https://sigs.k8s.io/comal"
	BuildTypeURI  = "https://sigs.k8s.io/comal/pipeline@v1"
	SLSAVersion1  = "v1"
	SLSAVersion02 = "v0.2"
)

// Predicate is the provenance data of an attestation, in any of the
// supported SLSA versions
type Predicate interface {
	SetBuilderID(string)
	SetBuilderType(string)
	SetInvocationID(string)
	SetEntryPoint(string)
	SetInternalParameters(map[string]any)
	AddDependency(*v1.ResourceDescriptor)
	SetStartedOn(*time.Time)
	SetFinishedOn(*time.Time)
	Type() string
}

type Attestation struct {
	intoto.StatementHeader
	Predicate Predicate `json:"predicate"`
}

func New() *Attestation {
	attestation := &Attestation{
		StatementHeader: intoto.StatementHeader{
			Type:    intoto.StatementInTotoV01,
			Subject: []intoto.Subject{},
		},
	}
	return attestation
}

func (att *Attestation) SLSA() *Attestation {
	att.Predicate = NewSLSAPredicate()
	att.Type = intoto.StatementInTotoV01
	att.PredicateType = att.Predicate.Type()
	return att
}

func (att *Attestation) SLSAv1() *Attestation {
	att.Predicate = NewSLSAV1Predicate()
	att.Type = statementV1
	att.PredicateType = att.Predicate.Type()
	return att
}

// AddSubject records an artifact described by the attestation. digest is
// in algorithm:hex form.
func (att *Attestation) AddSubject(name, digest string) error {
	algo, hex, ok := strings.Cut(digest, ":")
	if !ok || algo == "" || hex == "" {
		return fmt.Errorf("invalid digest %q", digest)
	}
	att.Subject = append(att.Subject, intoto.Subject{
		Name:   name,
		Digest: common.DigestSet{algo: hex},
	})
	return nil
}

// Options tune the provenance generated for a run
type Options struct {
	SLSAVersion string
	// SourceURL is the git URL the image was built from
	SourceURL string
	// EntryPoint is the path of the Dockerfile in the source tree
	EntryPoint  string
	BuildNumber string
	// Materials are local build inputs by path with their sha256 digest
	Materials map[string]string
}

// FromRun returns the provenance of the image pushed by a run. The run
// must have recorded the commit and the image digest.
func FromRun(r *run.PipelineRun, opts Options) (*Attestation, error) {
	if r.Digest == "" {
		return nil, errors.New("run has no image digest")
	}
	att := New()
	switch opts.SLSAVersion {
	case SLSAVersion1, "":
		att.SLSAv1()
	case SLSAVersion02:
		att.SLSA()
	default:
		return nil, fmt.Errorf("unsupported SLSA version %q", opts.SLSAVersion)
	}
	if err := att.AddSubject(r.Artifact.Repo(), r.Digest); err != nil {
		return nil, fmt.Errorf("adding subject: %w", err)
	}

	pred := att.Predicate
	pred.SetBuilderID(BuilderID)
	pred.SetBuilderType(BuildTypeURI)
	pred.SetInvocationID(r.ID)
	if opts.EntryPoint != "" {
		pred.SetEntryPoint(opts.EntryPoint)
	}
	params := map[string]any{"tag": r.Artifact.Tag}
	if opts.BuildNumber != "" {
		params["buildNumber"] = opts.BuildNumber
	}
	pred.SetInternalParameters(params)
	if opts.SourceURL != "" {
		dep := &v1.ResourceDescriptor{Uri: opts.SourceURL, Digest: map[string]string{}}
		if r.Commit != "" {
			dep.Uri = opts.SourceURL + "@" + r.Commit
			dep.Digest["sha1"] = r.Commit
			dep.Digest["gitCommit"] = r.Commit
		}
		pred.AddDependency(dep)
	}
	paths := make([]string, 0, len(opts.Materials))
	for p := range opts.Materials {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		pred.AddDependency(&v1.ResourceDescriptor{
			Uri: p, Digest: map[string]string{"sha256": opts.Materials[p]},
		})
	}

	start := r.StartTime
	pred.SetStartedOn(&start)
	var finished time.Time
	for _, s := range r.Stages {
		if s.Stage == run.Push && s.Outcome == run.Success {
			finished = s.Time
		}
	}
	if !finished.IsZero() {
		pred.SetFinishedOn(&finished)
	}
	return att, nil
}

func (att *Attestation) ToJSON() ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)

	if err := enc.Encode(att); err != nil {
		return nil, fmt.Errorf("encoding attestation: %w", err)
	}
	return b.Bytes(), nil
}

// Write stores the attestation as JSON in path
func (att *Attestation) Write(path string) error {
	data, err := att.ToJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0o755)); err != nil {
		return fmt.Errorf("creating attestation directory: %w", err)
	}
	if err := os.WriteFile(path, data, os.FileMode(0o644)); err != nil {
		return fmt.Errorf("writing attestation: %w", err)
	}
	return nil
}
