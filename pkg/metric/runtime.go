// Copyright 2020 The gVisor Authors.
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

package metric

import (
	"fmt"
	"runtime/metrics"
	"sync"
)

var (
	runtimeOnce sync.Once
	runtimeDesc map[string]metrics.Description
)

func runtimeLookup(name string) (metrics.Description, bool) {
	runtimeOnce.Do(func() {
		desc := metrics.All()
		runtimeDesc = make(map[string]metrics.Description, len(desc))
		for _, d := range desc {
			runtimeDesc[d.Name] = d
		}
	})
	d, ok := runtimeDesc[name]
	return d, ok
}

// RegisterRuntimeUint64 registers a metric called name whose value is read
// from the Go runtime metric rtname, which must be of kind
// metrics.KindUint64.
func (s *Set) RegisterRuntimeUint64(name, rtname string) error {
	d, ok := runtimeLookup(rtname)
	if !ok {
		return fmt.Errorf("runtime metric %q does not exist", rtname)
	}
	if d.Kind != metrics.KindUint64 {
		return fmt.Errorf("runtime metric %q has incorrect kind %v", rtname, d.Kind)
	}
	typ := TypeGauge
	if d.Cumulative {
		typ = TypeCounter
	}
	return s.Register(&Metric{
		Name: name,
		Type: typ,
		Help: d.Description,
		Value: func() uint64 {
			samples := []metrics.Sample{{Name: rtname}}
			metrics.Read(samples)
			return samples[0].Value.Uint64()
		},
	})
}
