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

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sigs.k8s.io/comal/pkg/run"
)

// Recorder keeps the pipeline metrics in its own registry
type Recorder struct {
	Registry      *prometheus.Registry
	StageAttempts *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
}

func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comal_stage_attempts_total",
			Help: "Stage attempts by outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "comal_stage_duration_seconds",
			Help:    "Duration of stage attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comal_runs_total",
			Help: "Finished pipeline runs by status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "comal_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	r.Registry.MustRegister(r.StageAttempts, r.StageDuration, r.Runs, r.RunDuration)
	return r
}

// ObserveResult counts a stage attempt. A nil recorder does nothing.
func (r *Recorder) ObserveResult(res run.StageResult) {
	if r == nil {
		return
	}
	r.StageAttempts.WithLabelValues(res.Stage.String(), string(res.Outcome)).Inc()
	if res.Outcome != run.Skipped {
		r.StageDuration.WithLabelValues(res.Stage.String()).Observe(
			(time.Duration(res.DurationMs) * time.Millisecond).Seconds(),
		)
	}
}

// ObserveRun counts a finished run
func (r *Recorder) ObserveRun(pr *run.PipelineRun) {
	if r == nil || !pr.IsTerminal() {
		return
	}
	r.Runs.WithLabelValues(string(pr.Status)).Inc()
	r.RunDuration.Observe(pr.EndTime.Sub(pr.StartTime).Seconds())
}

// Serve exposes the registry on addr until ctx is done
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Shutting down metrics server")
		}
	}()
	logrus.Infof("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
