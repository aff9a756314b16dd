/*
Copyright 2022 Adolfo García Veytia

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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/run"
	"sigs.k8s.io/comal/pkg/store/driver"
)

// ErrRunNotFound is returned when loading a run without records
var ErrRunNotFound = errors.New("run not found")

// RecordKind tells what a record in the run log describes
type RecordKind string

const (
	RecordStarted  RecordKind = "started"
	RecordStage    RecordKind = "stage"
	RecordFinished RecordKind = "finished"
)

// Record is one entry of the append only run log
type Record struct {
	RunID    string           `json:"runId"`
	Seq      int              `json:"seq"`
	Kind     RecordKind       `json:"kind"`
	Time     time.Time        `json:"time"`
	Artifact *artifact.Ref    `json:"artifact,omitempty"`
	Result   *run.StageResult `json:"result,omitempty"`
	Commit   string           `json:"commit,omitempty"`
	Digest   string           `json:"digest,omitempty"`
	Status   run.Status       `json:"status,omitempty"`
	Deployed *artifact.Ref    `json:"deployed,omitempty"`
}

type Implementation interface {
	Put(ctx context.Context, runID string, seq int, data []byte) error
	List(ctx context.Context, runID string) ([][]byte, error)
}

type Options struct {
	S3 driver.S3Options
}

type Store struct {
	SpecURL string
	Driver  Implementation

	mtx  sync.Mutex
	seqs map[string]int
}

// New returns a store with the driver selected by the scheme of specURL
func New(ctx context.Context, specURL string, opts Options) (*Store, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage spec URL %s: %w", specURL, err)
	}
	var impl Implementation
	switch u.Scheme {
	case "file":
		impl, err = driver.NewDirectory(specURL)
	case "gs":
		impl, err = driver.NewGCS(ctx, specURL)
	case "s3":
		impl, err = driver.NewS3(specURL, opts.S3)
	default:
		return nil, fmt.Errorf("%s is not a storage URL", specURL)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s store driver: %w", u.Scheme, err)
	}
	s := NewWithDriver(impl)
	s.SpecURL = specURL
	return s, nil
}

func NewWithDriver(impl Implementation) *Store {
	return &Store{Driver: impl, seqs: map[string]int{}}
}

func (s *Store) put(ctx context.Context, rec *Record) error {
	s.mtx.Lock()
	rec.Seq = s.seqs[rec.RunID]
	s.seqs[rec.RunID]++
	// nothing is appended after the finished record
	if rec.Kind == RecordFinished {
		delete(s.seqs, rec.RunID)
	}
	s.mtx.Unlock()

	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", rec.Kind, err)
	}
	if err := s.Driver.Put(ctx, rec.RunID, rec.Seq, data); err != nil {
		return fmt.Errorf("storing %s record of run %s: %w", rec.Kind, rec.RunID, err)
	}
	return nil
}

// Started records the beginning of a run
func (s *Store) Started(ctx context.Context, r *run.PipelineRun) error {
	ref := r.Artifact
	return s.put(ctx, &Record{
		RunID: r.ID, Kind: RecordStarted, Time: r.StartTime, Artifact: &ref,
	})
}

// Result appends a stage result along with what the run learned so far
func (s *Store) Result(ctx context.Context, r *run.PipelineRun, res run.StageResult) error {
	return s.put(ctx, &Record{
		RunID: r.ID, Kind: RecordStage, Time: res.Time, Result: &res,
		Commit: r.Commit, Digest: r.Digest,
	})
}

// Finished records the terminal status of a run
func (s *Store) Finished(ctx context.Context, r *run.PipelineRun) error {
	if !r.IsTerminal() {
		return fmt.Errorf("run %s has not finished", r.ID)
	}
	return s.put(ctx, &Record{
		RunID: r.ID, Kind: RecordFinished, Time: r.EndTime, Status: r.Status,
		Commit: r.Commit, Digest: r.Digest, Deployed: r.Deployed,
	})
}

// Load replays the records of a run. A run without a finished record is
// reported as still running.
func (s *Store) Load(ctx context.Context, runID string) (*run.PipelineRun, error) {
	data, err := s.Driver.List(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("listing records of run %s: %w", runID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}

	var r *run.PipelineRun
	for i, d := range data {
		rec := &Record{}
		if err := json.Unmarshal(d, rec); err != nil {
			return nil, fmt.Errorf("decoding record #%d of run %s: %w", i, runID, err)
		}
		if r == nil {
			if rec.Kind != RecordStarted || rec.Artifact == nil {
				return nil, fmt.Errorf("run %s log does not begin with a start record", runID)
			}
			r = run.New(runID, *rec.Artifact)
			r.StartTime = rec.Time
			continue
		}
		if rec.Commit != "" {
			r.Commit = rec.Commit
		}
		if rec.Digest != "" {
			r.Digest = rec.Digest
		}
		switch rec.Kind {
		case RecordStage:
			if rec.Result == nil {
				return nil, fmt.Errorf("record #%d of run %s has no result", i, runID)
			}
			if err := r.Append(*rec.Result); err != nil {
				return nil, fmt.Errorf("replaying record #%d: %w", i, err)
			}
		case RecordFinished:
			r.Deployed = rec.Deployed
			if err := r.Finish(rec.Status); err != nil {
				return nil, fmt.Errorf("replaying record #%d: %w", i, err)
			}
			r.EndTime = rec.Time
		default:
			return nil, fmt.Errorf("unexpected %s record #%d in run %s", rec.Kind, i, runID)
		}
	}
	return r, nil
}
