// Copyright 2024 The gVisor Authors.
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
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// GoogleEmitter prefixes each statement with a glog style header:
//
//	Lmmdd hh:mm:ss.uuuuuu tid file:line] msg
//
// Dispatch loops are pinned to OS threads, so tid names the core that
// logged.
type GoogleEmitter struct {
	*Writer
}

var levelLetter = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// appendZero appends v in exactly width digits, zero filled.
func appendZero(b []byte, v, width int) []byte {
	var d [9]byte
	for i := width - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	return append(b, d[:width]...)
}

// appendRight appends v right aligned in a field of width.
func appendRight(b []byte, v, width int) []byte {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b = append(b, ' ')
	}
	return append(b, s...)
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))

	letter := byte('?')
	if int(level) < len(levelLetter) {
		letter = levelLetter[level]
	}
	b = append(b, letter)

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendZero(b, int(month), 2)
	b = appendZero(b, day, 2)
	b = append(b, ' ')
	b = appendZero(b, hour, 2)
	b = append(b, ':')
	b = appendZero(b, minute, 2)
	b = append(b, ':')
	b = appendZero(b, second, 2)
	b = append(b, '.')
	b = appendZero(b, timestamp.Nanosecond()/1000, 6)
	b = append(b, ' ')

	b = appendRight(b, unix.Gettid(), 7)
	b = append(b, ' ')

	file, line := "???", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = filepath.Base(f), l
	}
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	g.Writer.Emit(depth+1, level, timestamp, string(b), args...)
}
