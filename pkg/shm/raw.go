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
	"context"
	"fmt"
	"sync"

	internalshm "github.com/srediag/shmlink/internal/shm"
)

// RawRegion is an attachment to a mapping by its OS id, with no layout
// parsing and no locks. Access to Bytes is unsynchronized.
type RawRegion struct {
	mu      sync.Mutex
	mapping *internalshm.MappedRegion
}

// OpenRaw attaches to the mapping with the given id. Close never removes it.
func OpenRaw(ctx context.Context, id string) (*RawRegion, error) {
	mapping, err := internalshm.OpenMapping(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAttach, err)
	}
	observeRegionOp(opRaw, err)
	if err != nil {
		return nil, err
	}
	internalLogger.debugf("raw attach to %s, %d bytes", id, mapping.Size)
	return &RawRegion{mapping: mapping}, nil
}

// Size is the number of mapped bytes.
func (r *RawRegion) Size() int { return r.mapping.Size }

func (r *RawRegion) ID() string { return r.mapping.ID }

// Bytes returns the whole mapping, or nil once closed.
func (r *RawRegion) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapping.Data
}

// Close unmaps the region. It is safe to call more than once.
func (r *RawRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mapping.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrMapping, err)
	}
	return nil
}
