package delta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/maruel/mcad/internal/nbt"
)

// testChunk returns a chunk root at global coordinates gx, gz with the given
// section Ys. seed varies every array and scalar.
func testChunk(gx, gz int32, seed byte, ys ...int8) nbt.Compound {
	biomes := make(nbt.ByteArray, biomesLen)
	heightMap := make(nbt.IntArray, heightMapLen)
	for i := range biomes {
		biomes[i] = byte(i) + seed
		heightMap[i] = int32(i%16) + int32(seed)
	}
	sections := nbt.NewList(nbt.TagCompound)
	for _, y := range ys {
		sections.Items = append(sections.Items, testSection(y, seed))
	}
	return nbt.Compound{fieldLevel: nbt.Compound{
		fieldLightPopulated:   nbt.Byte(1),
		fieldTerrainPopulated: nbt.Byte(1),
		fieldVersion:          nbt.Byte(1),
		fieldXPos:             nbt.Int(gx),
		fieldZPos:             nbt.Int(gz),
		fieldInhabitedTime:    nbt.Long(int64(seed) * 20),
		fieldLastUpdate:       nbt.Long(1000 + int64(seed)),
		fieldBiomes:           biomes,
		fieldHeightMap:        heightMap,
		fieldEntities: nbt.NewList(nbt.TagCompound, nbt.Compound{
			"id":  nbt.String("minecraft:pig"),
			"Age": nbt.Int(int32(seed)),
		}),
		fieldTileEntities: nbt.NewList(nbt.TagEnd),
		fieldSections:     sections,
	}}
}

func level(root nbt.Compound) nbt.Compound {
	l, _ := root.GetCompound(fieldLevel)
	return l
}

func sectionYs(t *testing.T, root nbt.Compound) []int8 {
	t.Helper()
	sections, err := sectionsOf(level(root))
	if err != nil {
		t.Fatal(err)
	}
	var out []int8
	for _, s := range sections {
		y, _ := sectionY(s)
		out = append(out, y)
	}
	return out
}

func TestChunkRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		src, dst nbt.Compound
	}{
		{"identical", testChunk(1, 2, 0, 0, 1, 2), testChunk(1, 2, 0, 0, 1, 2)},
		{"all changed", testChunk(1, 2, 0, 0, 1), testChunk(1, 2, 5, 0, 1)},
		{"created last", testChunk(1, 2, 0, 0, 1), testChunk(1, 2, 0, 0, 1, 2)},
		{"created middle", testChunk(1, 2, 0, 0, 2), testChunk(1, 2, 0, 0, 1, 2)},
		{"deleted", testChunk(1, 2, 0, 0, 1, 2), testChunk(1, 2, 0, 0, 2)},
		{"mixed", testChunk(1, 2, 0, 0, 1, 2), testChunk(1, 2, 0, 0, 1, 3)},
		{"no sections", testChunk(1, 2, 0, 4), testChunk(1, 2, 0)},
	}
	// A single byte change in a matched section.
	tests[5].dst[fieldLevel].(nbt.Compound)[fieldSections].(*nbt.List).Items[0].(nbt.Compound)["Blocks"].(nbt.ByteArray)[100] = 0x07
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DiffChunk(tt.src, tt.dst)
			if err != nil {
				t.Fatalf("DiffChunk() error = %v", err)
			}
			if c.IsDelete() {
				t.Fatal("IsDelete() = true")
			}
			got, err := c.Apply(tt.src.Clone())
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			mustEqual(t, got, tt.dst)

			b, err := c.MarshalBinary()
			if err != nil {
				t.Fatal(err)
			}
			if len(b) != c.EncodedLen() {
				t.Errorf("len(MarshalBinary()) = %d, EncodedLen() = %d", len(b), c.EncodedLen())
			}
			decoded, err := DecodeChunk(b)
			if err != nil {
				t.Fatalf("DecodeChunk() error = %v", err)
			}
			got, err = decoded.Apply(tt.src.Clone())
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			mustEqual(t, got, tt.dst)
		})
	}
}

func TestReconcileSections(t *testing.T) {
	src := testChunk(0, 0, 0, 0, 1, 2)
	dst := testChunk(0, 0, 0, 0, 1, 3)
	dst[fieldLevel].(nbt.Compound)[fieldSections].(*nbt.List).Items[1].(nbt.Compound)["Data"].(nbt.ByteArray)[0]++
	c, err := DiffChunk(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	sections := c.Sections()
	if len(sections) != 3 {
		t.Fatalf("len(Sections()) = %d, want 3", len(sections))
	}
	want := []struct {
		y      int8
		delete bool
	}{{1, false}, {3, false}, {2, true}}
	for i, w := range want {
		if sections[i].Y() != w.y || sections[i].IsDelete() != w.delete {
			t.Errorf("section %d = Y %d delete %t, want Y %d delete %t", i, sections[i].Y(), sections[i].IsDelete(), w.y, w.delete)
		}
	}
	if sections[0].Changed() != 1 {
		t.Errorf("matched section Changed() = %d, want 1", sections[0].Changed())
	}
}

func TestCreateChunk(t *testing.T) {
	dst := testChunk(-5, 7, 3, 0, 1, 2, 3)
	c, err := CreateChunk(dst)
	if err != nil {
		t.Fatal(err)
	}
	if x, z := c.Pos(); x != -5 || z != 7 {
		t.Errorf("Pos() = %d, %d", x, z)
	}
	// Height map entries equal to zero are not part of the delta.
	hm := level(dst)[fieldHeightMap].(nbt.IntArray)
	zeros := 0
	for _, v := range hm {
		if v == 0 {
			zeros++
		}
	}
	if got := c.HeightMap().Changed(); got != heightMapLen-zeros {
		t.Errorf("HeightMap().Changed() = %d, want %d", got, heightMapLen-zeros)
	}
	target := nbt.Compound{fieldLevel: nbt.Compound{fieldXPos: nbt.Int(-5), fieldZPos: nbt.Int(7)}}
	got, err := c.Apply(target)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, got, dst)
}

func TestChunkTileTicks(t *testing.T) {
	src := testChunk(0, 0, 0, 0)
	level(src).Put(fieldTileTicks, nbt.NewList(nbt.TagCompound, nbt.Compound{"i": nbt.String("minecraft:water"), "t": nbt.Int(3)}))
	dst := testChunk(0, 0, 1, 0)

	c, err := DiffChunk(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if c.tileTicks != nil {
		t.Error("absent TileTicks was encoded")
	}
	got, err := c.Apply(src.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if level(got).Get(fieldTileTicks) != nil {
		t.Error("TileTicks survived apply")
	}
	mustEqual(t, got, dst)

	back, err := DiffChunk(dst, src)
	if err != nil {
		t.Fatal(err)
	}
	got, err = back.Apply(dst.Clone())
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, got, src)
}

func TestChunkDeleteSection(t *testing.T) {
	c, err := DiffChunk(testChunk(0, 0, 0), testChunk(0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	c.sections = []*Section{DeleteSection(5)}

	t.Run("absent", func(t *testing.T) {
		target := testChunk(0, 0, 0, 0, 1)
		got, err := c.Apply(target.Clone())
		if err != nil {
			t.Fatal(err)
		}
		mustEqual(t, got, target)
	})
	t.Run("once", func(t *testing.T) {
		target := testChunk(0, 0, 0, 5, 1, 5)
		got, err := c.Apply(target)
		if err != nil {
			t.Fatal(err)
		}
		if ys := sectionYs(t, got); len(ys) != 2 || ys[0] != 1 || ys[1] != 5 {
			t.Errorf("sections = %v, want [1 5]", ys)
		}
	})
}

func TestChunkApplyMaterializes(t *testing.T) {
	dst := testChunk(0, 0, 2, 0)
	c, err := DiffChunk(testChunk(0, 0, 0, 0), dst)
	if err != nil {
		t.Fatal(err)
	}
	target := testChunk(0, 0, 0, 0)
	level(target).Delete(fieldHeightMap)
	level(target).Delete(fieldSections)
	got, err := c.Apply(target)
	if err != nil {
		t.Fatal(err)
	}
	hm, ok := level(got).GetIntArray(fieldHeightMap)
	if !ok || len(hm) != heightMapLen {
		t.Fatal("HeightMap was not materialized")
	}
	// Section 0 is synthesized zero-filled and patched.
	if ys := sectionYs(t, got); len(ys) != 1 || ys[0] != 0 {
		t.Errorf("sections = %v, want [0]", ys)
	}
}

func TestChunkSchemaMismatch(t *testing.T) {
	noLevel := nbt.Compound{"DataVersion": nbt.Int(1343)}
	noBiomes := testChunk(0, 0, 0)
	level(noBiomes).Delete(fieldBiomes)
	shortBiomes := testChunk(0, 0, 0)
	level(shortBiomes).Put(fieldBiomes, make(nbt.ByteArray, 3))
	noEntities := testChunk(0, 0, 0)
	level(noEntities).Delete(fieldEntities)
	badHeightMap := testChunk(0, 0, 0)
	level(badHeightMap).Put(fieldHeightMap, make(nbt.IntArray, 16))
	noSections := testChunk(0, 0, 0)
	level(noSections).Delete(fieldSections)
	dupSections := testChunk(0, 0, 0, 1, 1)

	tests := []struct {
		name     string
		src, dst nbt.Compound
	}{
		{"no level", noLevel, testChunk(0, 0, 0)},
		{"no biomes", testChunk(0, 0, 0), noBiomes},
		{"short biomes", testChunk(0, 0, 0), shortBiomes},
		{"no entities", testChunk(0, 0, 0), noEntities},
		{"bad height map", badHeightMap, testChunk(0, 0, 0)},
		{"source without sections", noSections, testChunk(0, 0, 0)},
		{"duplicate sections", testChunk(0, 0, 0), dupSections},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DiffChunk(tt.src, tt.dst); !errors.Is(err, ErrSchemaMismatch) {
				t.Errorf("DiffChunk() error = %v, want schema mismatch", err)
			}
		})
	}
}

func TestChunkApplyLeavesTargetOnError(t *testing.T) {
	src := testChunk(0, 0, 0, 0, 1)
	dst := testChunk(0, 0, 1, 0, 1)
	c, err := DiffChunk(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	target := src.Clone()
	// The second section is broken; the first must not be patched either.
	level(target)[fieldSections].(*nbt.List).Items[1].(nbt.Compound).Put("SkyLight", make(nbt.ByteArray, 1))
	before, err := nbt.Marshal("", target)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(target); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Apply() error = %v, want schema mismatch", err)
	}
	after, err := nbt.Marshal("", target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed Apply() mutated the target")
	}
	if _, err := DeleteChunk().Apply(src.Clone()); err == nil {
		t.Error("Apply() of a delete sentinel succeeded")
	}
}

func TestChunkApplyReplacedSection(t *testing.T) {
	c, err := DiffChunk(testChunk(0, 0, 0, 3), testChunk(0, 0, 1, 3))
	if err != nil {
		t.Fatal(err)
	}
	sd, err := CreateSection(testSection(3, 7))
	if err != nil {
		t.Fatal(err)
	}
	c.sections = []*Section{DeleteSection(3), sd}

	t.Run("recreated", func(t *testing.T) {
		got, err := c.Apply(testChunk(0, 0, 0, 3))
		if err != nil {
			t.Fatal(err)
		}
		sections, err := sectionsOf(level(got))
		if err != nil {
			t.Fatal(err)
		}
		if len(sections) != 1 {
			t.Fatalf("got %d sections, want 1", len(sections))
		}
		mustEqual(t, sections[0], testSection(3, 7))
	})
	t.Run("duplicate", func(t *testing.T) {
		// The delete removes the first section at Y 3, so the payload lands
		// on the second one, which is broken.
		target := testChunk(0, 0, 0, 3, 3)
		level(target)[fieldSections].(*nbt.List).Items[1].(nbt.Compound).Put("Blocks", make(nbt.ByteArray, 10))
		before, err := nbt.Marshal("", target)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Apply(target); !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("Apply() error = %v, want schema mismatch", err)
		}
		after, err := nbt.Marshal("", target)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(before, after) {
			t.Error("failed Apply() mutated the target")
		}
	})
}

func TestDecodeChunkErrors(t *testing.T) {
	c, err := DiffChunk(testChunk(0, 0, 0, 0), testChunk(0, 0, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	emptyEntities := append([]byte(nil), b[:chunkHeaderLen]...)
	emptyEntities = append(emptyEntities, 0, 0, 0, 0)
	badBlob := append([]byte(nil), b[:chunkHeaderLen]...)
	badBlob = append(badBlob, 0, 0, 0, 2, 0xFF, 0xFF)

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", b[:chunkHeaderLen-1]},
		{"missing blobs", b[:chunkHeaderLen]},
		{"empty entities", emptyEntities},
		{"bad blob", badBlob},
		{"truncated section", b[:len(b)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeChunk(tt.data); !errors.Is(err, ErrMalformedPatch) {
				t.Errorf("DecodeChunk() error = %v, want malformed patch", err)
			}
		})
	}
	d, err := DecodeChunk(nil)
	if err != nil || !d.IsDelete() {
		t.Errorf("DecodeChunk(nil) = %+v, %v", d, err)
	}
	if d.EncodedLen() != 0 {
		t.Errorf("delete EncodedLen() = %d", d.EncodedLen())
	}
}
