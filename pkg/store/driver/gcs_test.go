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

package driver

import (
	"context"
	"net/url"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewGCS(t *testing.T) {
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	for _, tc := range []struct {
		spec, bucket, path string
		shouldErr          bool
	}{
		{"gs://comal-runs/prod/logs/", "comal-runs", "prod/logs", false},
		{"gs://comal-runs", "comal-runs", "", false},
		{"gs:///nobucket", "", "", true},
	} {
		u, err := url.Parse(tc.spec)
		require.NoError(t, err)
		gcs, err := newGCS(u, client)
		if tc.shouldErr {
			require.Error(t, err, tc.spec)
			continue
		}
		require.NoError(t, err, tc.spec)
		require.Equal(t, tc.bucket, gcs.Bucket)
		require.Equal(t, tc.path, gcs.Path)
	}
}

func TestObjectName(t *testing.T) {
	require.Equal(t, "prod/logs/run-1/000003.json", objectName("prod/logs", "run-1", 3))
	require.Equal(t, "run-1/000012.json", objectName("", "run-1", 12))
	require.Equal(t, "prod/run-1/", runPrefix("prod", "run-1"))

	// records sort in sequence order
	require.Less(t, objectName("", "r", 9), objectName("", "r", 10))
}
