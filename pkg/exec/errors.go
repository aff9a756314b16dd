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

package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an operation did not succeed
type ErrorKind string

const (
	TimedOut     ErrorKind = "timed_out"
	NetworkError ErrorKind = "network_error"
	Failed       ErrorKind = "failed"
)

// ExecutionError is returned when an external operation does not complete
// successfully. Whether it is worth retrying depends on the Kind and the
// Permanent flag, see Transient.
type ExecutionError struct {
	Kind      ErrorKind
	Permanent bool
	Summary   string
	ExitCode  int
	Output    string
	Err       error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Summary, strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.Kind == Failed && e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Transient returns true when a new attempt may succeed
func (e *ExecutionError) Transient() bool {
	switch e.Kind {
	case TimedOut:
		return true
	case NetworkError:
		return !e.Permanent
	default:
		return false
	}
}

// IsTransient checks if err wraps a transient ExecutionError
func IsTransient(err error) bool {
	var xerr *ExecutionError
	if errors.As(err, &xerr) {
		return xerr.Transient()
	}
	return false
}

// KindOf returns the kind of the wrapped ExecutionError or an empty string
func KindOf(err error) ErrorKind {
	var xerr *ExecutionError
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	return ""
}

func NewFailed(summary string, exitCode int, output string, err error) *ExecutionError {
	return &ExecutionError{
		Kind: Failed, Permanent: true, Summary: summary, ExitCode: exitCode, Output: output, Err: err,
	}
}

func NewNetwork(summary string, err error) *ExecutionError {
	return &ExecutionError{Kind: NetworkError, Summary: summary, Err: err}
}

// NewPermanentNetwork returns a network error that retrying will not fix,
// for example a registry rejecting the credentials.
func NewPermanentNetwork(summary string, err error) *ExecutionError {
	return &ExecutionError{Kind: NetworkError, Permanent: true, Summary: summary, Err: err}
}

func NewTimedOut(summary string, err error) *ExecutionError {
	return &ExecutionError{Kind: TimedOut, Summary: summary, Err: err}
}

var (
	authMarkers = []string{
		"unauthorized", "authentication required", "denied", "forbidden",
		"invalid username/password",
	}
	networkMarkers = []string{
		"i/o timeout", "connection refused", "connection reset", "no such host",
		"tls handshake timeout", "temporary failure in name resolution",
		"network is unreachable", "unexpected eof", "502 bad gateway",
		"503 service unavailable", "504 gateway timeout", "too many requests",
	}
)

// ClassifyOutput builds an ExecutionError from the output of a failed
// process. Network problems are transient unless the remote end rejected
// the credentials.
func ClassifyOutput(summary string, exitCode int, output string) *ExecutionError {
	lower := strings.ToLower(output)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return &ExecutionError{
				Kind: NetworkError, Permanent: true, Summary: summary,
				ExitCode: exitCode, Output: output, Err: errors.New("remote rejected the request"),
			}
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(lower, m) {
			return &ExecutionError{
				Kind: NetworkError, Summary: summary, ExitCode: exitCode, Output: output,
				Err: fmt.Errorf("network failure: %s", m),
			}
		}
	}
	return NewFailed(summary, exitCode, output, nil)
}

// Classify wraps a plain error into an ExecutionError. Errors that are
// already classified are returned as is.
func Classify(summary string, err error) error {
	if err == nil {
		return nil
	}
	var xerr *ExecutionError
	if errors.As(err, &xerr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimedOut(summary, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	xerr = ClassifyOutput(summary, 0, err.Error())
	xerr.Output = ""
	xerr.Err = err
	return xerr
}
