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
	"time"

	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"sigs.k8s.io/comal/pkg/run"
)

// Webhook posts run events as JSON to an HTTP endpoint
type Webhook struct {
	Endpoint string
	client   *resty.Client
}

func NewWebhook(endpoint string) *Webhook {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)
	return &Webhook{Endpoint: endpoint, client: client}
}

func (w *Webhook) Publish(ctx context.Context, r *run.PipelineRun) error {
	event := NewEvent(r)
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(w.Endpoint)
	if err != nil {
		return fmt.Errorf("sending event to %s: %w", w.Endpoint, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%s returned status %d: %s", w.Endpoint, resp.StatusCode(), resp.String())
	}
	logrus.WithFields(logrus.Fields{
		"endpoint": w.Endpoint, "run": r.ID, "event": event.ID,
	}).Info("Sent run event")
	return nil
}

func (w *Webhook) Close() error {
	return w.client.Close()
}
