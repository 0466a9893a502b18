// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bvh

import "tickproxy/pkg/chunkpos"

// AABB is an axis-aligned bounding box over the 2-D chunk grid.
type AABB struct {
	MinX, MinZ int32
	MaxX, MaxZ int32
}

// Null is the identity box for ExpandToFit: any box expanded-to-fit Null
// equals itself.
var Null = AABB{MinX: 1<<31 - 1, MinZ: 1<<31 - 1, MaxX: -(1<<31 - 1) - 1, MaxZ: -(1<<31 - 1) - 1}

func boxOf(p chunkpos.ChunkPosition) AABB {
	return AABB{MinX: p.CX, MinZ: p.CZ, MaxX: p.CX, MaxZ: p.CZ}
}

// ExpandToFit grows a to contain b.
func (a AABB) ExpandToFit(b AABB) AABB {
	if b.MinX < a.MinX {
		a.MinX = b.MinX
	}
	if b.MinZ < a.MinZ {
		a.MinZ = b.MinZ
	}
	if b.MaxX > a.MaxX {
		a.MaxX = b.MaxX
	}
	if b.MaxZ > a.MaxZ {
		a.MaxZ = b.MaxZ
	}
	return a
}

// Expand grows the box by amount on every side.
func (a AABB) Expand(amount int64) AABB {
	return AABB{
		MinX: expandLow(a.MinX, amount),
		MinZ: expandLow(a.MinZ, amount),
		MaxX: expandHigh(a.MaxX, amount),
		MaxZ: expandHigh(a.MaxZ, amount),
	}
}

func expandLow(v int32, amount int64) int32 {
	r := int64(v) - amount
	if r < -(1 << 31) {
		return -(1 << 31)
	}
	return int32(r)
}

func expandHigh(v int32, amount int64) int32 {
	r := int64(v) + amount
	if r > 1<<31-1 {
		return 1<<31 - 1
	}
	return int32(r)
}

// ContainsPoint reports whether p lies within the box, inclusive.
func (a AABB) ContainsPoint(p chunkpos.ChunkPosition) bool {
	return p.CX >= a.MinX && p.CX <= a.MaxX && p.CZ >= a.MinZ && p.CZ <= a.MaxZ
}

// lenX/lenZ are used to pick the longer axis to split on.
func (a AABB) lenX() int64 { return int64(a.MaxX) - int64(a.MinX) }
func (a AABB) lenZ() int64 { return int64(a.MaxZ) - int64(a.MinZ) }
