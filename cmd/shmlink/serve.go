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
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmlink/pkg/health"
	"github.com/srediag/shmlink/pkg/shm"
)

func runServe(ctx context.Context, args []string) error {
	fs, link, logLevel := newFlagSet("serve")
	addr := fs.String("addr", ":9464", "listen address")
	create := fs.Bool("create", false, "create the region instead of opening it")
	size := fs.Uint64("size", 4096, "payload size when creating")
	if err := parse(fs, args, link, logLevel); err != nil {
		return err
	}

	var region *shm.Region
	var err error
	if *create {
		region, err = shm.CreateRegion(ctx, *link, shm.LockRWLock, *size)
	} else {
		region, err = shm.OpenRegion(ctx, *link)
	}
	if err != nil {
		return err
	}
	defer region.Close()

	srv, err := newServer(*addr, region)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Printf("serving %s on %s\n", region.LinkPath(), *addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServer(addr string, region *shm.Region) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := shm.RegisterMetrics(reg); err != nil {
		return nil, err
	}

	h := health.NewHandler()
	health.AddRegionCheck(h, filepath.Base(region.LinkPath()), region)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
