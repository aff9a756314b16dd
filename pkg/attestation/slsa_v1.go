/*
Copyright 2024 The Kubernetes Authors.

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

	slsa1 "github.com/in-toto/attestation/go/predicates/provenance/v1"
	v1 "github.com/in-toto/attestation/go/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"sigs.k8s.io/release-utils/version"
)

// SLSAPredicateV1 is a SLSA v1 provenance predicate. It serializes with
// protojson.
type SLSAPredicateV1 struct {
	slsa1.Provenance
}

func NewSLSAV1Predicate() *SLSAPredicateV1 {
	pred := &SLSAPredicateV1{}
	pred.BuildDefinition = &slsa1.BuildDefinition{
		ExternalParameters: &structpb.Struct{Fields: map[string]*structpb.Value{}},
		InternalParameters: &structpb.Struct{Fields: map[string]*structpb.Value{}},
	}
	pred.RunDetails = &slsa1.RunDetails{
		Builder:  &slsa1.Builder{Version: map[string]string{}},
		Metadata: &slsa1.BuildMetadata{},
	}
	return pred
}

func (pred *SLSAPredicateV1) SetBuilderID(id string) {
	pred.RunDetails.Builder.Id = id
	pred.RunDetails.Builder.Version["comal"] = version.GetVersionInfo().GitVersion
}

func (pred *SLSAPredicateV1) SetBuilderType(id string) {
	pred.BuildDefinition.BuildType = id
}

func (pred *SLSAPredicateV1) SetInvocationID(id string) {
	pred.RunDetails.Metadata.InvocationId = id
}

func (pred *SLSAPredicateV1) SetEntryPoint(ep string) {
	pred.BuildDefinition.ExternalParameters.Fields["entryPoint"] = structpb.NewStringValue(ep)
}

func (pred *SLSAPredicateV1) SetInternalParameters(params map[string]any) {
	s, err := structpb.NewStruct(params)
	if err != nil {
		return
	}
	pred.BuildDefinition.InternalParameters = s
}

func (pred *SLSAPredicateV1) AddDependency(dep *v1.ResourceDescriptor) {
	pred.BuildDefinition.ResolvedDependencies = append(pred.BuildDefinition.ResolvedDependencies, dep)
}

func (pred *SLSAPredicateV1) MarshalJSON() ([]byte, error) {
	return protojson.MarshalOptions{
		Multiline: true,
		Indent:    "  ",
	}.Marshal(pred)
}

func (pred *SLSAPredicateV1) SetStartedOn(d *time.Time) {
	pred.RunDetails.Metadata.StartedOn = timestamp(d)
}

func (pred *SLSAPredicateV1) SetFinishedOn(d *time.Time) {
	pred.RunDetails.Metadata.FinishedOn = timestamp(d)
}

func timestamp(d *time.Time) *timestamppb.Timestamp {
	if d == nil {
		return nil
	}
	return timestamppb.New(*d)
}

func (pred *SLSAPredicateV1) Type() string {
	return "https://slsa.dev/provenance/v1"
}
