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
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{"shmlink", os.Stdout, 4}
	level          atomic.Int32

	colors = []string{
		"\x1b[95m", // Trace
		"\x1b[92m", // Debug
		"\x1b[94m", // Info
		"\x1b[93m", // Warn
		"\x1b[91m", // Error
	}
	reset = "\x1b[0m"

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv("SHMLINK_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level.Store(int32(n))
		}
	}
}

// SetLogLevel changes the internal logger's level. The default is LevelWarn and
// the env `SHMLINK_LOG_LEVEL` can also set it.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// SetLogOutput redirects the internal logger. A nil writer restores os.Stdout.
func SetLogOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	internalLogger.out = out
}

func (l *logger) logf(lv int, format string, a ...interface{}) {
	if int(level.Load()) > lv {
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	l.prefix(buf, lv)
	_, _ = fmt.Fprintf(buf, format, a...)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')
	if _, err := l.out.Write(buf.B); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *logger) errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func (l *logger) warnf(format string, a ...interface{}) { l.logf(LevelWarn, format, a...) }

func (l *logger) infof(format string, a ...interface{}) { l.logf(LevelInfo, format, a...) }

func (l *logger) debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }

func (l *logger) tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

func (l *logger) prefix(buf *bytebufferpool.ByteBuffer, lv int) {
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
}

func (l *logger) location() string {
	// logf and the level helper sit between the caller and runtime.Caller.
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
