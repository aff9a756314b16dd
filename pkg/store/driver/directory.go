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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxRecordSize bounds a single line of a run log
const maxRecordSize = 1 << 20

func NewDirectory(specURL string) (*Directory, error) {
	u, err := url.Parse(specURL)
	if err != nil {
		return nil, fmt.Errorf("parsing SpecURL %s: %w", specURL, err)
	}
	path := u.Path
	if u.Host != "" {
		// file://relative/dir
		path = filepath.Join(u.Host, u.Path)
	}
	if path == "" {
		return nil, errors.New("directory store has no path defined")
	}
	if err := os.MkdirAll(path, os.FileMode(0o755)); err != nil {
		return nil, fmt.Errorf("creating run log directory: %w", err)
	}
	return &Directory{
		Path: path,
	}, nil
}

// Directory keeps one JSON lines file per run
type Directory struct {
	Path string
	mtx  sync.Mutex
}

func (d *Directory) logFile(runID string) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(d.Path, runID+".jsonl"), nil
}

// Put appends a record to the run log. seq is implied by the line order.
func (d *Directory) Put(_ context.Context, runID string, _ int, data []byte) error {
	if bytes.ContainsRune(data, '\n') {
		return errors.New("record data can not span multiple lines")
	}
	path, err := d.logFile(runID)
	if err != nil {
		return err
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, os.FileMode(0o644))
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(bytes.Clone(data), '\n')); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return f.Sync()
}

// List returns the records of a run in the order they were written
func (d *Directory) List(_ context.Context, runID string) ([][]byte, error) {
	path, err := d.logFile(runID)
	if err != nil {
		return nil, err
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	ret := [][]byte{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ret = append(ret, bytes.Clone(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	return ret, nil
}

func checkRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// objectName returns the key of a record in an object store
func objectName(prefix, runID string, seq int) string {
	name := fmt.Sprintf("%s/%06d.json", runID, seq)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func runPrefix(prefix, runID string) string {
	if prefix == "" {
		return runID + "/"
	}
	return prefix + "/" + runID + "/"
}
