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

package log

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJSONLogRoundTrip(t *testing.T) {
	for _, lv := range []Level{Warning, Info, Debug} {
		in := jsonLog{
			Msg:    "lookup missed",
			Level:  lv,
			Time:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Caller: "trap.go:42",
		}
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", lv, err)
		}
		var out jsonLog
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", b, err)
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("round trip of %s mismatch (-want +got):\n%s", b, diff)
		}
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{in: "0", want: Warning, ok: true},
		{in: "1", want: Info, ok: true},
		{in: "2", want: Debug, ok: true},
		{in: `"warning"`, want: Warning, ok: true},
		{in: `"debug"`, want: Debug, ok: true},
		{in: "3"},
		{in: `"Debug"`},
		{in: `"trace"`},
	} {
		var lv Level
		err := lv.UnmarshalJSON([]byte(tc.in))
		if (err == nil) != tc.ok {
			t.Errorf("UnmarshalJSON(%s): got error %v, wanted ok %t", tc.in, err, tc.ok)
			continue
		}
		if tc.ok && lv != tc.want {
			t.Errorf("UnmarshalJSON(%s): got %v, wanted %v", tc.in, lv, tc.want)
		}
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON(7) succeeded")
	}
}
