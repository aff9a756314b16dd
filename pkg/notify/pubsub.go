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
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/run"
)

// PubSub publishes run events to a Google Cloud Pub/Sub topic. Events of
// the same run are ordered.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	TopicPath string
}

// ParseTopicURL reads the project and topic from a URL like
// pubsub://projects/<project>/topics/<topic>
func ParseTopicURL(specURL string) (projectID, topicID string, err error) {
	path, ok := strings.CutPrefix(specURL, "pubsub://")
	if !ok {
		return "", "", fmt.Errorf("%s is not a pubsub URL", specURL)
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected projects/<project>/topics/<topic>", path)
	}
	return parts[1], parts[3], nil
}

func NewPubSub(ctx context.Context, specURL string) (*PubSub, error) {
	projectID, topicID, err := ParseTopicURL(specURL)
	if err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true
	return &PubSub{
		client:    client,
		publisher: publisher,
		TopicPath: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID),
	}, nil
}

func (p *PubSub) Publish(ctx context.Context, r *run.PipelineRun) error {
	event := NewEvent(r)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": r.ID,
			"status": string(r.Status),
		},
		OrderingKey: r.ID,
	})
	msgID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publishing event to %s: %w", p.TopicPath, err)
	}
	logrus.WithFields(logrus.Fields{
		"topic": p.TopicPath, "run": r.ID, "message": msgID,
	}).Info("Published run event")
	return nil
}

func (p *PubSub) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
