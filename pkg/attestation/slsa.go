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

package attestation

import (
	"time"

	v1 "github.com/in-toto/attestation/go/v1"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	slsa "github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/v0.2"
)

// SLSAPredicate is a SLSA v0.2 provenance predicate
type SLSAPredicate struct {
	slsa.ProvenancePredicate
}

func NewSLSAPredicate() *SLSAPredicate {
	return &SLSAPredicate{
		ProvenancePredicate: slsa.ProvenancePredicate{
			Invocation: slsa.ProvenanceInvocation{
				ConfigSource: slsa.ConfigSource{},
			},
			Metadata: &slsa.ProvenanceMetadata{
				Completeness: slsa.ProvenanceComplete{},
			},
			Materials: []common.ProvenanceMaterial{},
		},
	}
}

func (pred *SLSAPredicate) SetBuilderID(id string) {
	pred.Builder.ID = id
}

func (pred *SLSAPredicate) SetBuilderType(t string) {
	pred.BuildType = t
}

func (pred *SLSAPredicate) SetInvocationID(id string) {
	pred.Metadata.BuildInvocationID = id
}

func (pred *SLSAPredicate) SetEntryPoint(ep string) {
	pred.Invocation.ConfigSource.EntryPoint = ep
}

func (pred *SLSAPredicate) SetInternalParameters(params map[string]any) {
	pred.Invocation.Parameters = params
}

// AddDependency records a material. The first dependency with a commit
// is also the config source of the invocation.
func (pred *SLSAPredicate) AddDependency(dep *v1.ResourceDescriptor) {
	digest := common.DigestSet{}
	for k, v := range dep.GetDigest() {
		digest[k] = v
	}
	pred.Materials = append(pred.Materials, common.ProvenanceMaterial{
		URI:    dep.GetUri(),
		Digest: digest,
	})
	if pred.Invocation.ConfigSource.URI == "" && len(digest) > 0 {
		pred.Invocation.ConfigSource.URI = dep.GetUri()
		pred.Invocation.ConfigSource.Digest = digest
		pred.Metadata.Completeness.Materials = true
	}
}

func (pred *SLSAPredicate) SetStartedOn(d *time.Time) {
	pred.Metadata.BuildStartedOn = d
}

func (pred *SLSAPredicate) SetFinishedOn(d *time.Time) {
	pred.Metadata.BuildFinishedOn = d
}

func (pred *SLSAPredicate) Type() string {
	return slsa.PredicateSLSAProvenance
}
