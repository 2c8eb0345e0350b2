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

package binary

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type Header struct {
	Sig    [4]byte
	Length uint32
	Rev    uint8
	Sum    uint8
	Flags  uint16
}

type entry struct {
	Header
	Addr uint64
}

type private struct {
	A uint16
	b uint16
	C uint16
}

func expectPanic(t *testing.T, name string, want string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("%s did not panic", name)
			return
		}
		if s, ok := r.(string); !ok || !strings.Contains(s, want) {
			t.Errorf("%s panicked with %v, want %q", name, r, want)
		}
	}()
	f()
}

func TestSize(t *testing.T) {
	for _, tc := range []struct {
		name   string
		layout any
		want   int
	}{
		{"uint8", uint8(1), 1},
		{"uint32", uint32(10), 4},
		{"array", [3]uint16{}, 6},
		{"header", Header{}, 12},
		{"pointer", &Header{}, 12},
		{"nested", entry{}, 20},
		{"unexported", private{}, 6},
	} {
		if got := Size(tc.layout); got != tc.want {
			t.Errorf("Size(%s) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestNotLayout(t *testing.T) {
	expectPanic(t, "Size(int)", "not a layout type", func() { Size(int(1)) })
	expectPanic(t, "Size(string)", "not a layout type", func() { Size("x") })
	expectPanic(t, "Size(slice)", "not a layout type", func() { Size([]uint8{1}) })
	expectPanic(t, "Decode(value)", "non-pointer", func() { Decode(make([]byte, 12), Header{}) })
	expectPanic(t, "Decode(nil)", "non-pointer", func() { Decode(make([]byte, 12), (*Header)(nil)) })
}

func TestMarshal(t *testing.T) {
	h := Header{Sig: [4]byte{'A', 'P', 'I', 'C'}, Length: 0x2c, Rev: 3, Sum: 0xfe, Flags: 0x0102}
	want := []byte{'A', 'P', 'I', 'C', 0x2c, 0, 0, 0, 3, 0xfe, 0x02, 0x01}
	if diff := cmp.Diff(want, Marshal(nil, h)); diff != "" {
		t.Errorf("Marshal mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, Marshal(nil, &h)); diff != "" {
		t.Errorf("Marshal(pointer) mismatch (-want +got):\n%s", diff)
	}

	// Marshal appends.
	got := Marshal([]byte{0xaa}, entry{Header: h, Addr: 0x1122334455667788})
	if len(got) != 21 || got[0] != 0xaa || got[13] != 0x88 || got[20] != 0x11 {
		t.Errorf("Marshal(entry) = %x", got)
	}
}

func TestDecode(t *testing.T) {
	want := entry{
		Header: Header{Sig: [4]byte{'H', 'P', 'E', 'T'}, Length: 56, Rev: 1, Sum: 7, Flags: 0xbeef},
		Addr:   0xfed00000,
	}
	buf := append(Marshal(nil, want), 0xde, 0xad)

	var got entry
	rest, err := Decode(buf, &got)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xde, 0xad}, rest); diff != "" {
		t.Errorf("rest mismatch (-want +got):\n%s", diff)
	}

	var v uint32
	if _, err := Decode([]byte{1, 2, 3, 4}, &v); err != nil || v != 0x04030201 {
		t.Errorf("Decode(uint32) = %#x, %v, want 0x4030201", v, err)
	}
}

func TestDecodeUnexported(t *testing.T) {
	p := private{b: 9}
	if _, err := Decode([]byte{1, 0, 2, 0, 3, 0}, &p); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.A != 1 || p.b != 9 || p.C != 3 {
		t.Errorf("Decode = %+v, want {A:1 b:9 C:3}", p)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	h := Header{Length: 5}
	buf := []byte{'F', 'A', 'C', 'P', 1, 2}
	rest, err := Decode(buf, &h)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("Decode = %v, want ErrShortBuffer", err)
	}
	if len(rest) != len(buf) {
		t.Errorf("Decode consumed %d bytes of a short buffer", len(buf)-len(rest))
	}
	if h.Length != 5 || h.Sig != [4]byte{} {
		t.Errorf("short Decode modified the layout: %+v", h)
	}
}

func TestAppend(t *testing.T) {
	var b []byte
	b = AppendUint16(b, 0x0102)
	b = AppendUint32(b, 0x03040506)
	b = AppendUint64(b, 0x0708090a0b0c0d0e)
	want := []byte{0x02, 0x01, 0x06, 0x05, 0x04, 0x03, 0x0e, 0x0d, 0x0c, 0x0b, 0x0a, 0x09, 0x08, 0x07}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("Append mismatch (-want +got):\n%s", diff)
	}
	if got := Uint16(b); got != 0x0102 {
		t.Errorf("Uint16 = %#x, want 0x102", got)
	}
	if got := Uint32(b[2:]); got != 0x03040506 {
		t.Errorf("Uint32 = %#x, want 0x3040506", got)
	}
}

func BenchmarkDecode(b *testing.B) {
	buf := Marshal(nil, entry{Addr: 1})
	var e entry
	for i := 0; i < b.N; i++ {
		Decode(buf, &e)
	}
}
