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

// Package cmd holds implementations of the extable commands.
package cmd

import (
	"fmt"
	"strconv"

	"gvisor.dev/extable/pkg/extable"
)

// parseAddrs parses command line addresses. Any base accepted by
// strconv.ParseUint is allowed; hex needs the 0x prefix.
func parseAddrs(args []string) ([]extable.Addr, error) {
	addrs := make([]extable.Addr, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", arg, err)
		}
		addrs = append(addrs, extable.Addr(v))
	}
	return addrs, nil
}
