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

// Command shmlink creates, opens and exercises shared regions.
//
//	shmlink create  -link /tmp/demo.link -size 4096 -locks rwlock:0:4096 -data "hello"
//	shmlink open    -link /tmp/demo.link -n 32
//	shmlink inspect -link /tmp/demo.link
//	shmlink stress  -link /tmp/stress.link -handles 4 -workers 16 -iterations 10000
//	shmlink serve   -link /tmp/demo.link -addr :9464
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/srediag/shmlink/pkg/shm"
)

const usage = `usage: shmlink <command> [flags]

commands:
  create   create a region and hold it until interrupted
  open     open a region and print the start of its payload
  inspect  print the layout and lock words of a region
  stress   hammer one lock from many handles and check exclusion
  serve    serve /metrics, /live and /ready for a region
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "create":
		err = runCreate(ctx, args)
	case "open":
		err = runOpen(ctx, args)
	case "inspect":
		err = runInspect(args)
	case "stress":
		err = runStress(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "shmlink %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// lockSpec is a flag value of the form kind:offset:length[,kind:offset:length].
type lockSpec []shm.LockInfo

var _ flag.Value = (*lockSpec)(nil)

func (l *lockSpec) String() string {
	parts := make([]string, 0, len(*l))
	for _, info := range *l {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", info.Kind, info.Offset, info.Length))
	}
	return strings.Join(parts, ",")
}

func (l *lockSpec) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return fmt.Errorf("lock %q is not kind:offset:length", part)
		}
		kind, err := shm.ParseLockKind(fields[0])
		if err != nil {
			return err
		}
		off, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("lock %q offset: %w", part, err)
		}
		length, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("lock %q length: %w", part, err)
		}
		*l = append(*l, shm.LockInfo{Kind: kind, Offset: off, Length: length})
	}
	return nil
}

func newFlagSet(name string) (*flag.FlagSet, *string, *int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	link := fs.String("link", "", "path of the link descriptor")
	logLevel := fs.Int("log-level", shm.LevelWarn, "log level, 0 trace to 5 silent")
	return fs, link, logLevel
}

func parse(fs *flag.FlagSet, args []string, link *string, logLevel *int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *link == "" {
		return errors.New("-link is required")
	}
	shm.SetLogLevel(*logLevel)
	return nil
}

func runCreate(ctx context.Context, args []string) error {
	fs, link, logLevel := newFlagSet("create")
	size := fs.Uint64("size", 4096, "user payload size in bytes")
	data := fs.String("data", "", "string written at payload offset 0, zero terminated")
	var locks lockSpec
	fs.Var(&locks, "locks", "locks as kind:offset:length, comma separated (default rwlock over the payload)")
	if err := parse(fs, args, link, logLevel); err != nil {
		return err
	}
	if len(locks) == 0 {
		locks = lockSpec{{Kind: shm.LockRWLock, Offset: 0, Length: *size}}
	}

	conf := shm.NewRegionConfig(*link, *size)
	for _, l := range locks {
		if _, err := conf.AddLock(l.Kind, l.Offset, l.Length); err != nil {
			return err
		}
	}
	region, err := conf.Create(ctx)
	if err != nil {
		return err
	}
	defer region.Close()

	if *data != "" {
		err = region.Write(func(p []byte) error {
			if len(*data)+1 > len(p) {
				return fmt.Errorf("data needs %d bytes, payload has %d", len(*data)+1, len(p))
			}
			n := copy(p, *data)
			p[n] = 0
			return nil
		})
		if err != nil {
			return err
		}
	}
	fmt.Println(region)
	fmt.Println("holding region, interrupt to remove it")
	<-ctx.Done()
	return nil
}

func runOpen(ctx context.Context, args []string) error {
	fs, link, logLevel := newFlagSet("open")
	n := fs.Int("n", 64, "number of payload bytes to print")
	if err := parse(fs, args, link, logLevel); err != nil {
		return err
	}
	region, err := shm.OpenRegion(ctx, *link)
	if err != nil {
		return err
	}
	defer region.Close()

	fmt.Println(region)
	for i, l := range region.Locks() {
		fmt.Printf("lock[%d] %s [%d, %d)\n", i, l.Kind, l.Offset, l.Offset+l.Length)
	}
	if len(region.Locks()) == 0 {
		return nil
	}
	return region.Read(func(p []byte) error {
		if *n < len(p) {
			p = p[:*n]
		}
		fmt.Printf("payload: %q\n", p)
		return nil
	})
}

func runInspect(args []string) error {
	fs, link, logLevel := newFlagSet("inspect")
	if err := parse(fs, args, link, logLevel); err != nil {
		return err
	}
	detail, err := shm.DebugRegionDetail(*link)
	if err != nil {
		return err
	}
	fmt.Print(detail)
	return nil
}
