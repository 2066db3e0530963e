/*
Copyright 2013 Google Inc.
Copyright 2024 Derrick J Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package routing decides which vaults are responsible for a key. Responsibility is
// derived from a consistent hash ring: the group for a key is the set of distinct
// nodes found walking the ring clockwise from the key's hash.
package routing

import (
	"crypto/md5"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/segmentio/fasthash/fnv1"

	"github.com/pmidvault/vault-go/transport/peer"
)

const defaultReplicas = 50

// HashFn represents a function that takes a byte slice as input and returns a uint64 hash value.
type HashFn func(data []byte) uint64

// Options represents the settings for the ring
type Options struct {
	// HashFn is used to place nodes and keys on the ring. Default is fnv1.HashBytes64
	HashFn HashFn
	// Replicas is the number of virtual points each node occupies. Default is 50
	Replicas int
}

// Ring is a consistent hash ring of node identities. It is not safe for concurrent
// modification; build a new Ring when the membership changes.
type Ring struct {
	opts Options
	// keys is a sorted list of all points on the ring
	keys []int
	// hashMap maps a point back to the node which owns it
	hashMap map[int]peer.ID
	nodes   map[peer.ID]struct{}
}

// NewRing creates a ring holding the provided nodes.
func NewRing(opts Options, nodes ...peer.ID) *Ring {
	r := &Ring{
		opts:    opts,
		hashMap: make(map[int]peer.ID),
		nodes:   make(map[peer.ID]struct{}),
	}
	if r.opts.HashFn == nil {
		r.opts.HashFn = fnv1.HashBytes64
	}
	if r.opts.Replicas == 0 {
		r.opts.Replicas = defaultReplicas
	}
	r.Add(nodes...)
	return r
}

// Add places nodes on the ring. Adding a node twice has no effect.
func (r *Ring) Add(nodes ...peer.ID) {
	for _, id := range nodes {
		if _, ok := r.nodes[id]; ok {
			continue
		}
		r.nodes[id] = struct{}{}
		for i := 0; i < r.opts.Replicas; i++ {
			hash := r.point(strconv.Itoa(i) + string(id))
			r.keys = append(r.keys, hash)
			r.hashMap[hash] = id
		}
	}
	sort.Ints(r.keys)
}

// point places s on the ring. Nodes and keys go through the same md5 step so keys which
// share a long prefix still spread over the whole ring.
func (r *Ring) point(s string) int {
	return int(r.opts.HashFn([]byte(fmt.Sprintf("%x", md5.Sum([]byte(s))))))
}

// IsEmpty returns true if there are no nodes on the ring.
func (r *Ring) IsEmpty() bool {
	return len(r.keys) == 0
}

// Len returns the number of distinct nodes on the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Nodes returns every node on the ring in sorted order.
func (r *Ring) Nodes() []peer.ID {
	results := make([]peer.ID, 0, len(r.nodes))
	for id := range r.nodes {
		results = append(results, id)
	}
	slices.Sort(results)
	return results
}

// Contains reports whether the node is on the ring.
func (r *Ring) Contains(id peer.ID) bool {
	_, ok := r.nodes[id]
	return ok
}

// Closest returns up to n distinct nodes responsible for key, closest first.
func (r *Ring) Closest(key string, n int) []peer.ID {
	if r.IsEmpty() || n <= 0 {
		return nil
	}
	if n > len(r.nodes) {
		n = len(r.nodes)
	}

	hash := r.point(key)

	// Binary search for the first point at or after the key.
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= hash })

	results := make([]peer.ID, 0, n)
	for i := 0; i < len(r.keys) && len(results) < n; i++ {
		// Wrap around to the first point once we pass the end of the ring.
		id := r.hashMap[r.keys[(idx+i)%len(r.keys)]]
		if !slices.Contains(results, id) {
			results = append(results, id)
		}
	}
	return results
}

// IsMember reports whether id is one of the n nodes responsible for key.
func (r *Ring) IsMember(id peer.ID, key string, n int) bool {
	return slices.Contains(r.Closest(key, n), id)
}
