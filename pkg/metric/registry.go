// Copyright 2026 The gVisor Authors.
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
	"gvisor.dev/extable/pkg/extable"
	"gvisor.dev/extable/pkg/module"
	"gvisor.dev/extable/pkg/trap"
)

// RegisterRegistry registers the lookup counters of r in s.
func (s *Set) RegisterRegistry(r *extable.Registry) error {
	for _, m := range []*Metric{
		{
			Name:  "extable_searches_total",
			Type:  TypeCounter,
			Help:  "Number of exception table lookups.",
			Value: func() uint64 { return r.Stats().Searches },
		},
		{
			Name:  "extable_hits_total",
			Type:  TypeCounter,
			Help:  "Number of lookups that found a fixup.",
			Value: func() uint64 { return r.Stats().Hits },
		},
		{
			Name: "extable_misses_total",
			Type: TypeCounter,
			Help: "Number of lookups that found no fixup.",
			Value: func() uint64 {
				st := r.Stats()
				if st.Hits > st.Searches {
					// The counters are read separately and may race.
					return 0
				}
				return st.Searches - st.Hits
			},
		},
		{
			Name:  "extable_probes_total",
			Type:  TypeCounter,
			Help:  "Number of tables binary searched across all lookups.",
			Value: func() uint64 { return r.Stats().Probes },
		},
		{
			Name:  "extable_tables",
			Type:  TypeGauge,
			Help:  "Number of tables currently searched, including the static table.",
			Value: func() uint64 { return uint64(r.Stats().Tables) },
		},
	} {
		if err := s.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// RegisterHandler registers the fault counters of h in s.
func (s *Set) RegisterHandler(h *trap.Handler) error {
	if err := s.Register(&Metric{
		Name:  "trap_fixed_total",
		Type:  TypeCounter,
		Help:  "Number of faults redirected to a fixup.",
		Value: h.Fixed,
	}); err != nil {
		return err
	}
	return s.Register(&Metric{
		Name:  "trap_escalated_total",
		Type:  TypeCounter,
		Help:  "Number of faults not covered by any exception table.",
		Value: h.Escalated,
	})
}

// RegisterLoader registers the number of modules loaded by l in s.
func (s *Set) RegisterLoader(l *module.Loader) error {
	return s.Register(&Metric{
		Name:  "modules_loaded",
		Type:  TypeGauge,
		Help:  "Number of loaded modules.",
		Value: func() uint64 { return uint64(len(l.Modules())) },
	})
}
