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

package notify

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"sigs.k8s.io/comal/pkg/run"
)

// Publisher announces finished runs
type Publisher interface {
	Publish(context.Context, *run.PipelineRun) error
	Close() error
}

// Event is the payload sent when a run finishes
type Event struct {
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	RunID     string     `json:"runId"`
	Status    run.Status `json:"status"`
	Artifact  string     `json:"artifact"`
	Deployed  string     `json:"deployed,omitempty"`
	Commit    string     `json:"commit,omitempty"`
	Digest    string     `json:"digest,omitempty"`
	Attempts  int        `json:"attempts"`
	Duration  string     `json:"duration,omitempty"`
	LastStage string     `json:"lastStage,omitempty"`
	Message   string     `json:"message,omitempty"`
}

func NewEvent(r *run.PipelineRun) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     r.ID,
		Status:    r.Status,
		Artifact:  r.Artifact.Reference(),
		Commit:    r.Commit,
		Digest:    r.Digest,
		Attempts:  len(r.Stages),
	}
	if r.Deployed != nil {
		e.Deployed = r.Deployed.Reference()
	}
	if !r.EndTime.IsZero() {
		e.Duration = r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
	}
	if last := r.Last(); last != nil {
		e.LastStage = last.Stage.String()
		e.Message = last.Message
	}
	return e
}

// New returns the publisher for a notification URL
func New(ctx context.Context, specURL string) (Publisher, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("parsing notification URL %s: %w", specURL, err)
	}
	switch u.Scheme {
	case "pubsub":
		return NewPubSub(ctx, specURL)
	case "http", "https":
		return NewWebhook(specURL), nil
	default:
		return nil, fmt.Errorf("%s is not a notification URL", specURL)
	}
}
