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

// Package binary encodes and decodes firmware layouts.
//
// A layout is a Go struct whose fields appear in memory order with no
// padding. Fields may be unsigned integers, arrays of them, or nested
// layouts. Firmware data is always little endian.
package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrShortBuffer is returned by Decode when buf is smaller than the layout.
var ErrShortBuffer = errors.New("binary: buffer too short")

var le = binary.LittleEndian

// AppendUint16 appends v to buf.
func AppendUint16(buf []byte, v uint16) []byte {
	return le.AppendUint16(buf, v)
}

// AppendUint32 appends v to buf.
func AppendUint32(buf []byte, v uint32) []byte {
	return le.AppendUint32(buf, v)
}

// AppendUint64 appends v to buf.
func AppendUint64(buf []byte, v uint64) []byte {
	return le.AppendUint64(buf, v)
}

// Uint16 decodes the first two bytes of b.
func Uint16(b []byte) uint16 {
	return le.Uint16(b)
}

// Uint32 decodes the first four bytes of b.
func Uint32(b []byte) uint32 {
	return le.Uint32(b)
}

// sizes caches the encoded size of each layout type.
var sizes sync.Map // reflect.Type -> int

// Size returns the encoded size of layout, which may be a value or a
// pointer to one.
func Size(layout any) int {
	t := reflect.TypeOf(layout)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return sizeOf(t)
}

func sizeOf(t reflect.Type) int {
	if n, ok := sizes.Load(t); ok {
		return n.(int)
	}
	var n int
	switch t.Kind() {
	case reflect.Uint8:
		n = 1
	case reflect.Uint16:
		n = 2
	case reflect.Uint32:
		n = 4
	case reflect.Uint64:
		n = 8
	case reflect.Array:
		n = t.Len() * sizeOf(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			n += sizeOf(t.Field(i).Type)
		}
	default:
		panic(fmt.Sprintf("binary: %v is not a layout type", t))
	}
	sizes.Store(t, n)
	return n
}

// Marshal appends the encoding of layout to buf. layout may be a pointer.
func Marshal(buf []byte, layout any) []byte {
	v := reflect.Indirect(reflect.ValueOf(layout))
	sizeOf(v.Type())
	return encode(buf, v)
}

func encode(buf []byte, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.Uint8:
		return append(buf, uint8(v.Uint()))
	case reflect.Uint16:
		return AppendUint16(buf, uint16(v.Uint()))
	case reflect.Uint32:
		return AppendUint32(buf, uint32(v.Uint()))
	case reflect.Uint64:
		return AppendUint64(buf, v.Uint())
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			buf = encode(buf, v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			buf = encode(buf, v.Field(i))
		}
	}
	return buf
}

// Decode fills the layout pointed to by layout from the head of buf and
// returns the rest. A buffer shorter than the layout leaves it untouched
// and returns ErrShortBuffer; input from firmware is never trusted to be
// long enough.
func Decode(buf []byte, layout any) ([]byte, error) {
	v := reflect.ValueOf(layout)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		panic(fmt.Sprintf("binary: Decode of non-pointer %T", layout))
	}
	v = v.Elem()
	n := sizeOf(v.Type())
	if len(buf) < n {
		return buf, fmt.Errorf("%w: %v needs %d bytes, have %d", ErrShortBuffer, v.Type(), n, len(buf))
	}
	decode(buf[:n], v)
	return buf[n:], nil
}

// decode fills v from buf, which holds exactly its encoding. Unexported
// fields are skipped.
func decode(buf []byte, v reflect.Value) {
	switch v.Kind() {
	case reflect.Uint8:
		v.SetUint(uint64(buf[0]))
	case reflect.Uint16:
		v.SetUint(uint64(le.Uint16(buf)))
	case reflect.Uint32:
		v.SetUint(uint64(le.Uint32(buf)))
	case reflect.Uint64:
		v.SetUint(le.Uint64(buf))
	case reflect.Array:
		elem := sizeOf(v.Type().Elem())
		for i := 0; i < v.Len(); i++ {
			decode(buf[i*elem:(i+1)*elem], v.Index(i))
		}
	case reflect.Struct:
		off := 0
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			n := sizeOf(f.Type())
			if f.CanSet() {
				decode(buf[off:off+n], f)
			}
			off += n
		}
	}
}
