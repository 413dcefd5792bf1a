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

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmlink/pkg/shm"
)

// stressState is the payload shared by every stress worker.
type stressState struct {
	Counter uint64
	Inside  uint64
}

type stressResult struct {
	worker     int
	acquired   int
	violations int
	err        error
}

func runStress(ctx context.Context, args []string) error {
	fs, link, logLevel := newFlagSet("stress")
	handles := fs.Int("handles", 4, "number of independent handles on the region")
	workers := fs.Int("workers", 16, "number of concurrent workers")
	iterations := fs.Int("iterations", 1000, "lock acquisitions per worker")
	kindName := fs.String("kind", "mutex", "lock kind, mutex or rwlock")
	if err := parse(fs, args, link, logLevel); err != nil {
		return err
	}
	return stress(ctx, *link, *kindName, *handles, *workers, *iterations)
}

func stress(ctx context.Context, link, kindName string, handles, workers, iterations int) error {
	if handles < 1 || workers < 1 || iterations < 1 {
		return errors.New("handles, workers and iterations must be positive")
	}
	kind, err := shm.ParseLockKind(kindName)
	if err != nil {
		return err
	}
	conf, err := shm.NewRegionConfig(link, 64).AddLock(kind, 0, 64)
	if err != nil {
		return err
	}
	owner, err := conf.Create(ctx)
	if err != nil {
		return err
	}
	defer owner.Close()

	regions := []*shm.Region{owner}
	for i := 1; i < handles; i++ {
		r, err := shm.OpenRegion(ctx, link)
		if err != nil {
			return err
		}
		defer r.Close()
		regions = append(regions, r)
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	results := queue.New(int64(workers))
	defer results.Dispose()

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		region := regions[w%len(regions)]
		worker := w
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			_ = results.Put(stressWorker(ctx, region, worker, iterations))
		})
		if err != nil {
			wg.Done()
			return err
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	items, err := results.Get(int64(workers))
	if err != nil {
		return err
	}
	var acquired, violations int
	var errs []error
	for _, item := range items {
		res := item.(stressResult)
		acquired += res.acquired
		violations += res.violations
		if res.err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", res.worker, res.err))
		}
	}

	counter, err := readCounter(owner)
	if err != nil {
		errs = append(errs, err)
	}

	fmt.Printf("kind:%s handles:%d workers:%d acquired:%d counter:%d violations:%d elapsed:%v rate:%.0f/s\n",
		kind, len(regions), workers, acquired, counter, violations, elapsed,
		float64(acquired)/elapsed.Seconds())
	if violations > 0 {
		errs = append(errs, fmt.Errorf("%d exclusion violations", violations))
	}
	if counter != uint64(acquired) {
		errs = append(errs, fmt.Errorf("counter %d does not match %d acquisitions", counter, acquired))
	}
	return errors.Join(errs...)
}

func stressWorker(ctx context.Context, region *shm.Region, worker, iterations int) stressResult {
	res := stressResult{worker: worker}
	for i := 0; i < iterations && ctx.Err() == nil; i++ {
		g, err := region.AcquireWrite()
		if err != nil {
			res.err = err
			return res
		}
		st, err := shm.View[stressState](g)
		if err != nil {
			_ = g.Release()
			res.err = err
			return res
		}
		if !atomic.CompareAndSwapUint64(&st.Inside, 0, 1) {
			res.violations++
		}
		st.Counter++
		atomic.StoreUint64(&st.Inside, 0)
		if err := g.Release(); err != nil {
			res.err = err
			return res
		}
		res.acquired++
	}
	return res
}

func readCounter(region *shm.Region) (uint64, error) {
	g, err := region.AcquireRead()
	if err != nil {
		return 0, err
	}
	defer g.Release()
	st, err := shm.View[stressState](g)
	if err != nil {
		return 0, err
	}
	return st.Counter, nil
}
