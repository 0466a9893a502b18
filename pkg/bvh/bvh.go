// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bvh implements a bulk-built bounding-volume hierarchy over 2-D
// chunk coordinates, used to answer taxicab-radius range queries in time
// linear in the number of points (plus a sort), per tick.
//
// The tree is generic over the value carried at each leaf entry. In this
// tree the only instance is Tree[uint64], the connection-position index of
// §4.1 that pkg/egress rebuilds each tick; no payload-indexed tree is built.
package bvh

import (
	"sort"

	"tickproxy/pkg/chunkpos"
)

// DefaultLeafSize is the maximum number of entries held directly by a leaf
// before the node is split. Anywhere from 8 to 32 gives correct query
// results; 16 is a reasonable middle ground.
const DefaultLeafSize = 16

// Entry is one indexed point: a chunk position plus an arbitrary payload.
type Entry[T any] struct {
	Pos   chunkpos.ChunkPosition
	Value T
}

type node[T any] struct {
	box      AABB
	entries  []Entry[T] // non-nil only for leaves
	children [2]*node[T]
}

func (n *node[T]) isLeaf() bool { return n.children[0] == nil && n.children[1] == nil }

// Tree is an immutable, bulk-built BVH. A Tree is safe for concurrent
// queries: Query never mutates the tree.
type Tree[T any] struct {
	root     *node[T]
	leafSize int
	count    int
}

// Build constructs a Tree from entries in O(n log² n) time (a recursive
// median split along the longer axis, sorting each node's entries). leafSize <= 0 uses
// DefaultLeafSize. entries is not mutated; Build copies what it needs.
func Build[T any](entries []Entry[T], leafSize int) *Tree[T] {
	if leafSize <= 0 {
		leafSize = DefaultLeafSize
	}
	t := &Tree[T]{leafSize: leafSize, count: len(entries)}
	if len(entries) == 0 {
		t.root = &node[T]{box: Null}
		return t
	}
	buf := make([]Entry[T], len(entries))
	copy(buf, entries)
	t.root = buildNode(buf, leafSize)
	return t
}

// Len returns the number of points indexed.
func (t *Tree[T]) Len() int { return t.count }

func buildNode[T any](entries []Entry[T], leafSize int) *node[T] {
	box := boundingBox(entries)

	if len(entries) <= leafSize {
		leaf := make([]Entry[T], len(entries))
		copy(leaf, entries)
		return &node[T]{box: box, entries: leaf}
	}

	axisX := box.lenX() >= box.lenZ()
	sort.Slice(entries, func(i, j int) bool {
		if axisX {
			return entries[i].Pos.CX < entries[j].Pos.CX
		}
		return entries[i].Pos.CZ < entries[j].Pos.CZ
	})

	mid := len(entries) / 2
	left := buildNode(entries[:mid], leafSize)
	right := buildNode(entries[mid:], leafSize)

	return &node[T]{box: box, children: [2]*node[T]{left, right}}
}

func boundingBox[T any](entries []Entry[T]) AABB {
	box := Null
	for _, e := range entries {
		box = box.ExpandToFit(boxOf(e.Pos))
	}
	return box
}

// Query returns every entry whose position is within taxicab radius r of
// center, each exactly once. Queries are pure and safe to run concurrently
// with other queries on the same Tree.
func (t *Tree[T]) Query(center chunkpos.ChunkPosition, r int64) []Entry[T] {
	var out []Entry[T]
	if t.root == nil {
		return out
	}
	t.queryNode(t.root, center, r, &out)
	return out
}

// QueryStreams is a convenience for Tree[uint64]-shaped trees used as the
// connection-position index: it returns just the stream ids.
func QueryStreams(t *Tree[uint64], center chunkpos.ChunkPosition, r int64) []uint64 {
	entries := t.Query(center, r)
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func (t *Tree[T]) queryNode(n *node[T], center chunkpos.ChunkPosition, r int64, out *[]Entry[T]) {
	if !n.box.Expand(r).ContainsPoint(center) {
		return
	}

	if n.isLeaf() {
		for _, e := range n.entries {
			if e.Pos.Within(center, r) {
				*out = append(*out, e)
			}
		}
		return
	}

	for _, child := range n.children {
		if child != nil {
			t.queryNode(child, center, r, out)
		}
	}
}
