/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// live handles of this process, keyed by link path and handle address
var regions = cmap.New[*Region]()

func registryKey(r *Region) string {
	return fmt.Sprintf("%s@%p", r.conf.linkPath, r)
}

func register(r *Region) { regions.Set(registryKey(r), r) }

func unregister(r *Region) { regions.Remove(registryKey(r)) }

// Regions returns the handles of this process that are not closed yet,
// ordered by link path.
func Regions() []*Region {
	out := make([]*Region, 0, regions.Count())
	for item := range regions.IterBuffered() {
		out = append(out, item.Val)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].conf.linkPath < out[j].conf.linkPath
	})
	return out
}
