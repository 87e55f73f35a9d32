/*
Copyright 2026.

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

// Package metrics emits line-delimited JSON metric records to a
// host-provided path. The host side translates the records into its
// scrape surface; the operator only appends. Gauges carry a group so the
// sweepers can pre-expire label sets belonging to deleted resources.
package metrics

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// DefaultPrefix is prepended to every metric name unless overridden by
// METRICS_PREFIX.
const DefaultPrefix = "cdktsstack_"

// Gauge groups used by the sweepers.
const (
	GroupDriftStatus   = "drift-status"
	GroupGitSyncStatus = "git-sync-status"
)

// Labels are attached to every counter and gauge record.
type Labels struct {
	Namespace    string `json:"namespace"`
	ResourceName string `json:"resource_name"`
	AWSRegion    string `json:"aws_region"`
	StackName    string `json:"stack_name"`
}

// Value is a pointer so that gauge sets to zero still serialize while
// expire records omit the field entirely.
type record struct {
	Name   string   `json:"name,omitempty"`
	Action string   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
	Labels *Labels  `json:"labels,omitempty"`
	Group  string   `json:"group,omitempty"`
}

// Recorder appends metric records to a file. Writes are serialized; the
// output stream is the only process-wide shared mutable state in the
// operator. A nil Recorder discards everything, which keeps tests and
// metric-less deployments simple.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	prefix string
	log    logr.Logger
}

// Open creates (or appends to) the metrics file at path. An empty path
// returns a nil Recorder, i.e. metrics disabled.
func Open(path, prefix string, log logr.Logger) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics path %s", path)
	}
	return &Recorder{file: f, prefix: prefix, log: log}, nil
}

// Close releases the underlying file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// CounterAdd emits a counter increment record. name is the family suffix,
// e.g. "drift_checks_total".
func (r *Recorder) CounterAdd(name string, value float64, labels Labels) {
	if r == nil {
		return
	}
	r.emit(record{Name: r.prefix + name, Action: "add", Value: &value, Labels: &labels})
}

// GaugeSet emits a gauge set record in the given group.
func (r *Recorder) GaugeSet(name string, value float64, labels Labels, group string) {
	if r == nil {
		return
	}
	r.emit(record{Name: r.prefix + name, Action: "set", Value: &value, Labels: &labels, Group: group})
}

// ExpireGroup emits a group expiry record. Sweepers call this at the start
// of each sweep so gauge label sets for deleted resources disappear within
// one cycle.
func (r *Recorder) ExpireGroup(group string) {
	if r == nil {
		return
	}
	r.emit(record{Action: "expire", Group: group})
}

func (r *Recorder) emit(rec record) {
	line, err := json.Marshal(rec)
	if err != nil {
		r.log.Error(err, "marshalling metric record", "name", rec.Name)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		r.log.Error(err, "writing metric record", "name", rec.Name)
	}
}
