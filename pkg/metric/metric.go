// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides counters and gauges that can be exported in the
// Prometheus text exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package metric

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// nameRegexp is the set of valid Prometheus metric names.
var nameRegexp = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Metric is a single named value.
type Metric struct {
	// Name is the Prometheus metric name, without the exporter prefix.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help is an optional helpful string explaining what the metric is about.
	Help string

	// Value returns the current value. It is called at export time and must
	// be safe to call concurrently with whatever updates the value.
	Value func() uint64
}

// Set is a collection of metrics exported together.
type Set struct {
	mu      sync.Mutex
	metrics map[string]*Metric
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{metrics: make(map[string]*Metric)}
}

// Register adds m to the set.
func (s *Set) Register(m *Metric) error {
	if !nameRegexp.MatchString(m.Name) {
		return fmt.Errorf("invalid metric name %q", m.Name)
	}
	if m.Value == nil {
		return fmt.Errorf("metric %q has no value function", m.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[m.Name]; ok {
		return fmt.Errorf("metric %q registered twice", m.Name)
	}
	s.metrics[m.Name] = m
	return nil
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, m.Type)
	return err
}

// WriteText writes every metric in the set to w in the Prometheus text
// format, sorted by name. prefix is prepended to every metric name.
func (s *Set) WriteText(w io.Writer, prefix string) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	metrics := make([]*Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, s.metrics[name])
	}
	s.mu.Unlock()

	for _, m := range metrics {
		if err := m.writeHeaderTo(w, prefix); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s%s %d\n", prefix, m.Name, m.Value()); err != nil {
			return err
		}
	}
	return nil
}
