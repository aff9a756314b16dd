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

package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// S3Options holds the credentials and endpoint of an S3 compatible store.
// The endpoint can also be set with the endpoint query parameter of the
// spec URL.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Insecure  bool
}

// S3 writes one object per record in an S3 compatible bucket
type S3 struct {
	Bucket string
	Path   string
	client *minio.Client
}

func NewS3(specURL string, opts S3Options) (*S3, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("parsing SpecURL %s: %w", specURL, err)
	}
	if u.Hostname() == "" {
		return nil, errors.New("s3 store has no bucket defined")
	}
	if e := u.Query().Get("endpoint"); e != "" {
		opts.Endpoint = e
	}
	if u.Query().Get("insecure") == "true" {
		opts.Insecure = true
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaultS3Endpoint
	}
	if strings.Contains(opts.Endpoint, "://") {
		return nil, fmt.Errorf("endpoint must not include scheme: %q", opts.Endpoint)
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	logrus.Infof("S3 driver init: Endpoint: %s Bucket: %s Path: %s", opts.Endpoint, u.Hostname(), u.Path)
	return &S3{
		Bucket: u.Hostname(),
		Path:   strings.Trim(u.Path, "/"),
		client: client,
	}, nil
}

func (s *S3) Put(ctx context.Context, runID string, seq int, data []byte) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	name := objectName(s.Path, runID, seq)
	if _, err := s.client.PutObject(
		ctx, s.Bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	); err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", s.Bucket, name, err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, runID string) ([][]byte, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	names := []string{}
	for obj := range s.client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{
		Prefix: runPrefix(s.Path, runID), Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing run records: %w", obj.Err)
		}
		names = append(names, obj.Key)
	}
	sort.Strings(names)

	ret := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := s.read(ctx, name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, data)
	}
	return ret, nil
}

func (s *S3) read(ctx context.Context, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("opening s3://%s/%s: %w", s.Bucket, name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.Bucket, name, err)
	}
	return data, nil
}
