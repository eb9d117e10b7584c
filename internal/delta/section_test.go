package delta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/maruel/mcad/internal/nbt"
)

// testSection returns a section at y whose arrays are derived from seed.
func testSection(y int8, seed byte) nbt.Compound {
	c := nbt.Compound{"Y": nbt.Byte(y)}
	for k, sa := range sectionArrays {
		a := make(nbt.ByteArray, sa.size)
		for i := range a {
			a[i] = byte(i*7+k) + seed
		}
		c.Put(sa.name, a)
	}
	return c
}

func mustEqual(t *testing.T, got, want nbt.Tag) {
	t.Helper()
	g, err := nbt.Marshal("", got)
	if err != nil {
		t.Fatal(err)
	}
	w, err := nbt.Marshal("", want)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(g, w) {
		t.Errorf("tags differ: %d bytes, want %d bytes", len(g), len(w))
	}
}

func TestSectionRoundTrip(t *testing.T) {
	src := testSection(3, 0)
	dst := testSection(3, 0)
	dst["Blocks"].(nbt.ByteArray)[100] = 0x07
	dst["SkyLight"].(nbt.ByteArray)[0] ^= 0xFF
	dst["SkyLight"].(nbt.ByteArray)[2047] ^= 0x0F

	t.Run("identity", func(t *testing.T) {
		same, err := SectionsEqual(src, src.Clone())
		if err != nil || !same {
			t.Fatalf("SectionsEqual() = %t, %v", same, err)
		}
		s, err := DiffSection(src, src)
		if err != nil {
			t.Fatal(err)
		}
		if s.Changed() != 0 {
			t.Errorf("Changed() = %d, want 0", s.Changed())
		}
		got, err := s.Apply(src.Clone())
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, got, src)
	})
	t.Run("diff", func(t *testing.T) {
		same, err := SectionsEqual(src, dst)
		if err != nil || same {
			t.Fatalf("SectionsEqual() = %t, %v", same, err)
		}
		s, err := DiffSection(src, dst)
		if err != nil {
			t.Fatal(err)
		}
		if s.Y() != 3 || s.IsDelete() || s.Changed() != 3 {
			t.Errorf("Y() = %d, IsDelete() = %t, Changed() = %d", s.Y(), s.IsDelete(), s.Changed())
		}
		if blocks := s.arrays[1]; !blocks.IsSet(100) || blocks.Mask()[12] != 0x10 {
			t.Error("Blocks mask does not have bit 100 set")
		}
		b, err := s.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if len(b) != s.EncodedLen() {
			t.Errorf("len(MarshalBinary()) = %d, EncodedLen() = %d", len(b), s.EncodedLen())
		}
		// Y, four length prefixes, four masks, three values.
		if want := 1 + 4*4 + 256 + 512 + 256 + 256 + 3; len(b) != want {
			t.Errorf("encoded length = %d, want %d", len(b), want)
		}
		decoded, err := DecodeSection(b)
		if err != nil {
			t.Fatal(err)
		}
		got, err := decoded.Apply(src.Clone())
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, got, dst)
	})
	t.Run("create", func(t *testing.T) {
		s, err := CreateSection(dst)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Apply(newSectionTag(0))
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, got, dst)
	})
}

func TestDeleteSection(t *testing.T) {
	s := DeleteSection(-1)
	b, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte{0xFF}) {
		t.Errorf("MarshalBinary() = %v, want [255]", b)
	}
	decoded, err := DecodeSection(b)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.IsDelete() || decoded.Y() != -1 {
		t.Errorf("DecodeSection() = %+v", decoded)
	}
	if _, err := decoded.Apply(testSection(-1, 0)); err == nil {
		t.Error("Apply() of a delete sentinel succeeded")
	}
}

func TestSectionSchemaMismatch(t *testing.T) {
	short := testSection(1, 0)
	short.Put("Data", make(nbt.ByteArray, 10))
	missing := testSection(1, 0)
	missing.Delete("BlockLight")
	noY := testSection(1, 0)
	noY.Delete("Y")
	tests := []struct {
		name     string
		src, dst nbt.Compound
	}{
		{"different Y", testSection(1, 0), testSection(2, 0)},
		{"short array", testSection(1, 0), short},
		{"missing array", missing, testSection(1, 0)},
		{"missing Y", noY, testSection(1, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DiffSection(tt.src, tt.dst); !errors.Is(err, ErrSchemaMismatch) {
				t.Errorf("DiffSection() error = %v, want schema mismatch", err)
			}
		})
	}
	s, err := CreateSection(testSection(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(short); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Apply() error = %v, want schema mismatch", err)
	}
}

func TestDecodeSectionErrors(t *testing.T) {
	s, err := DiffSection(testSection(0, 0), testSection(0, 1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated length", b[:3]},
		{"truncated group", b[:len(b)-1]},
		{"trailing", append(append([]byte(nil), b...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSection(tt.data); !errors.Is(err, ErrMalformedPatch) {
				t.Errorf("DecodeSection() error = %v, want malformed patch", err)
			}
		})
	}
}
