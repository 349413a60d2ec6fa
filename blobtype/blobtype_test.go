// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blobtype

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestByteSize(t *testing.T) {
	for _, c := range []struct {
		desc Desc
		size int64
	}{
		{New(Float32, 2, 3), 24},
		{New(Float16, 8), 16},
		{New(Int64), 8},
		{New(None, 4), 0},
		{New(Float32, 0, 4), 0},
	} {
		if got, want := c.desc.ByteSize(), c.size; got != want {
			t.Errorf("%s: got %v, want %v", c.desc, got, want)
		}
	}
	if !New(None).Empty() {
		t.Error("none blob should be empty")
	}
}

func TestParseDType(t *testing.T) {
	if typ, ok := ParseDType(""); !ok || typ != Float32 {
		t.Errorf("got %v %v, want float32", typ, ok)
	}
	if _, ok := ParseDType("complex128"); ok {
		t.Error("expected complex128 to be rejected")
	}
}

func TestSplitConcat(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for iter := 0; iter < 200; iter++ {
		var (
			dim uint16
			n   uint8
		)
		fz.Fuzz(&dim)
		fz.Fuzz(&n)
		if n == 0 || int64(dim) < int64(n) {
			continue
		}
		d := New(Float32, int64(dim), 3)
		parts := make([]Desc, n)
		for rank := range parts {
			var ok bool
			parts[rank], ok = d.Split(0, rank, int(n))
			if !ok {
				t.Fatalf("split %s in %d failed", d, n)
			}
			if rank > 0 && parts[rank].Shape[0] > parts[rank-1].Shape[0] {
				t.Fatalf("%s: later ranks must not be larger", d)
			}
		}
		got, ok := Concat(0, parts...)
		if !ok {
			t.Fatalf("concat %v failed", parts)
		}
		if !got.Equal(d) {
			t.Errorf("got %v, want %v", got, d)
		}
	}
}

func TestSplitInvalid(t *testing.T) {
	d := New(Float32, 2)
	if _, ok := d.Split(0, 0, 3); ok {
		t.Error("expected split of 2 into 3 to fail")
	}
	if _, ok := d.Split(1, 0, 2); ok {
		t.Error("expected split on missing axis to fail")
	}
	if _, ok := Concat(0, New(Float32, 2), New(Int32, 2)); ok {
		t.Error("expected concat of mismatched types to fail")
	}
}
