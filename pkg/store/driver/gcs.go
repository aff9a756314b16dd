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

package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrRecordExists is returned when a record was already written
var ErrRecordExists = errors.New("record already exists")

func NewGCS(ctx context.Context, specURL string) (*GCS, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("parsing SpecURL %s: %w", specURL, err)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return newGCS(u, client)
}

func newGCS(u *url.URL, client *storage.Client) (*GCS, error) {
	if u.Hostname() == "" {
		return nil, errors.New("gcs store has no bucket defined")
	}
	logrus.Infof("GCS driver init: Bucket: %s Path: %s", u.Hostname(), u.Path)
	return &GCS{
		Bucket: u.Hostname(),
		Path:   strings.Trim(u.Path, "/"),
		client: client,
	}, nil
}

// GCS writes one object per record in a bucket
type GCS struct {
	Bucket string
	Path   string
	client *storage.Client
}

// Put writes the record object. Existing records are never overwritten.
func (gcs *GCS) Put(ctx context.Context, runID string, seq int, data []byte) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	name := objectName(gcs.Path, runID, seq)
	w := gcs.client.Bucket(gcs.Bucket).Object(name).
		If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", gcs.Bucket, name, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("gs://%s/%s: %w", gcs.Bucket, name, ErrRecordExists)
		}
		return fmt.Errorf("closing gs://%s/%s: %w", gcs.Bucket, name, err)
	}
	return nil
}

// List reads the records of a run sorted by sequence number
func (gcs *GCS) List(ctx context.Context, runID string) ([][]byte, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	bucket := gcs.client.Bucket(gcs.Bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: runPrefix(gcs.Path, runID)})
	names := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing run records: %w", err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)

	ret := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := gcs.read(ctx, bucket, name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, data)
	}
	return ret, nil
}

func (gcs *GCS) read(ctx context.Context, bucket *storage.BucketHandle, name string) ([]byte, error) {
	r, err := bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", gcs.Bucket, name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gs://%s/%s: %w", gcs.Bucket, name, err)
	}
	return data, nil
}
