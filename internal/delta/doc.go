// Package delta computes, encodes and applies binary deltas between two
// versions of an Anvil region.
//
// A delta is a hierarchy: a [Region] holds one [Chunk] per changed chunk, a
// Chunk holds one [Section] per changed section and the sparse delta of its
// height map, and a Section holds one sparse delta per block or light array.
// Sparse deltas ([SparseBytes], [SparseWords]) are a change bitmask followed
// by the destination value of every changed element.
//
// Deltas are immutable once built, whether by diffing, by decoding, or as a
// Delete sentinel. Apply mutates the caller's working copy and never aliases
// delta storage into it.
//
// Wire format, all integers big endian:
//
//	region:  i64 src time, i64 dst time, mask[128], {u32 len, chunk}*
//	chunk:   empty (delete) or
//	         u8 LightPopulated, u8 TerrainPopulated, u8 V, i32 xPos, i32 zPos,
//	         i64 InhabitedTime, i64 LastUpdate, u8[256] Biomes,
//	         {u32 len, Entities}, {u32 len, TileEntities}, {u32 len, TileTicks},
//	         {u32 len, mask[32], i32*} HeightMap, {u32 len, section}*
//	section: u8 Y (delete) or
//	         u8 Y, {u32 len, mask, u8*} for BlockLight, Blocks, Data, SkyLight
//
// Errors are *[Error] values matching [ErrSchemaMismatch] or
// [ErrMalformedPatch] with errors.Is.
package delta
