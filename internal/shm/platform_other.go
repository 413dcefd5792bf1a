//go:build !unix

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
	"errors"
)

// ErrNotSupported is returned on platforms without a shared mapping implementation.
var ErrNotSupported = errors.New("shared mappings not supported on this platform")

func CreateMapping(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrNotSupported
}

func OpenMapping(ctx context.Context, id string) (*MappedRegion, error) {
	return nil, ErrNotSupported
}

func (r *MappedRegion) Close() error {
	return nil
}

func RemoveMapping(id string) error {
	return ErrNotSupported
}

func CanCreate(dir string, size uint64) bool {
	return false
}
