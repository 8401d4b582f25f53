// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package util

import (
	"cmp"
	"sort"

	"golang.org/x/exp/maps"
)

// Histogram counts occurrences of arbitrary ordered keys. The zero value is
// not usable, create one with NewHistogram.
type Histogram[K cmp.Ordered] struct {
	counts map[K]int
	total  int
}

func NewHistogram[K cmp.Ordered]() *Histogram[K] {
	return &Histogram[K]{counts: make(map[K]int)}
}

func (h *Histogram[K]) Put(key K) {
	h.PutN(key, 1)
}

// PutN adds delta to the count of key. A key whose count drops to zero or
// below is removed.
func (h *Histogram[K]) PutN(key K, delta int) {
	n := h.counts[key] + delta
	h.total += delta
	if n <= 0 {
		h.total -= n
		delete(h.counts, key)
		return
	}
	h.counts[key] = n
}

func (h *Histogram[K]) Get(key K) int {
	return h.counts[key]
}

func (h *Histogram[K]) Total() int {
	return h.total
}

func (h *Histogram[K]) Len() int {
	return len(h.counts)
}

// Keys returns the keys in ascending order.
func (h *Histogram[K]) Keys() []K {
	keys := maps.Keys(h.counts)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MostCommon returns the keys ordered by descending count, ties broken by key.
func (h *Histogram[K]) MostCommon() []K {
	keys := maps.Keys(h.counts)
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := h.counts[keys[i]], h.counts[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func (h *Histogram[K]) MaxCount() int {
	max := 0
	for _, c := range h.counts {
		if c > max {
			max = c
		}
	}
	return max
}

func (h *Histogram[K]) MinCount() int {
	min, first := 0, true
	for _, c := range h.counts {
		if first || c < min {
			min, first = c, false
		}
	}
	return min
}

func (h *Histogram[K]) Clear() {
	h.counts = make(map[K]int)
	h.total = 0
}
