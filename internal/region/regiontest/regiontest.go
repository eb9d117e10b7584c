// Package regiontest builds chunks and regions for tests.
package regiontest

import (
	"testing"

	"github.com/maruel/mcad/internal/nbt"
	"github.com/maruel/mcad/internal/region"
)

// Section returns a section at y whose arrays are derived from seed.
func Section(y int8, seed byte) nbt.Compound {
	c := nbt.Compound{"Y": nbt.Byte(y)}
	for k, f := range []struct {
		name string
		size int
	}{{"BlockLight", 2048}, {"Blocks", 4096}, {"Data", 2048}, {"SkyLight", 2048}} {
		a := make(nbt.ByteArray, f.size)
		for i := range a {
			a[i] = byte(i*3+k) + seed
		}
		c.Put(f.name, a)
	}
	return c
}

// Chunk returns a complete chunk root at global chunk coordinates gx, gz with
// one section per y. seed varies every field.
func Chunk(gx, gz int32, seed byte, ys ...int8) nbt.Compound {
	biomes := make(nbt.ByteArray, 256)
	heightMap := make(nbt.IntArray, 256)
	for i := range biomes {
		biomes[i] = byte(i) + seed
		heightMap[i] = int32(i%16) + int32(seed)
	}
	sections := nbt.NewList(nbt.TagCompound)
	for _, y := range ys {
		sections.Items = append(sections.Items, Section(y, seed))
	}
	return nbt.Compound{"Level": nbt.Compound{
		"LightPopulated":   nbt.Byte(1),
		"TerrainPopulated": nbt.Byte(1),
		"V":                nbt.Byte(1),
		"xPos":             nbt.Int(gx),
		"zPos":             nbt.Int(gz),
		"InhabitedTime":    nbt.Long(int64(seed)),
		"LastUpdate":       nbt.Long(500 + int64(seed)),
		"Biomes":           biomes,
		"HeightMap":        heightMap,
		"Entities":         nbt.NewList(nbt.TagEnd),
		"TileEntities":     nbt.NewList(nbt.TagEnd),
		"Sections":         sections,
	}}
}

// Put stores a generated chunk at local coordinates x, z of r.
func Put(t testing.TB, r *region.Region, x, z int, ts int64, seed byte, ys ...int8) {
	t.Helper()
	gx, gz := r.Global(x, z)
	c := &region.Chunk{X: x, Z: z, LastModified: ts, Tag: Chunk(int32(gx), int32(gz), seed, ys...)}
	if err := r.SetChunk(c); err != nil {
		t.Fatal(err)
	}
}
