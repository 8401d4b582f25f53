// Copyright 2023 The CubeFS Authors.
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

package search

import (
	"github.com/cmu-db/mongodb-d4-sub001/design"
)

// CompoundKeyIterator enumerates the index sets of a collection: every subset
// of the candidate keys with at most max members, smallest first and the empty
// set included. A set holding a key together with one of its extensions is
// skipped, the wider key already serves every lookup of its prefix.
type CompoundKeyIterator struct {
	keys    []design.Key
	max     int
	size    int
	idx     []int
	started bool
	done    bool
}

func NewCompoundKeyIterator(keys []design.Key, max int) *CompoundKeyIterator {
	if max > len(keys) {
		max = len(keys)
	}
	if max < 0 {
		max = 0
	}
	return &CompoundKeyIterator{keys: keys, max: max}
}

// Next returns the next index set, false once exhausted.
func (it *CompoundKeyIterator) Next() ([]design.Key, bool) {
	for it.advance() {
		set := make([]design.Key, len(it.idx))
		for i, j := range it.idx {
			set[i] = it.keys[j]
		}
		if !dominated(set) {
			return set, true
		}
	}
	return nil, false
}

// Reset restarts the enumeration.
func (it *CompoundKeyIterator) Reset() {
	it.size, it.idx, it.started, it.done = 0, nil, false, false
}

func (it *CompoundKeyIterator) advance() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		return true
	}
	if it.nextCombination() {
		return true
	}
	it.size++
	if it.size > it.max {
		it.done = true
		return false
	}
	it.idx = make([]int, it.size)
	for i := range it.idx {
		it.idx[i] = i
	}
	return true
}

func (it *CompoundKeyIterator) nextCombination() bool {
	n := len(it.keys)
	for i := it.size - 1; i >= 0; i-- {
		if it.idx[i] < n-it.size+i {
			it.idx[i]++
			for j := i + 1; j < it.size; j++ {
				it.idx[j] = it.idx[j-1] + 1
			}
			return true
		}
	}
	return false
}

func dominated(set []design.Key) bool {
	for i := range set {
		for j := range set {
			if i != j && set[j].HasPrefix(set[i]) {
				return true
			}
		}
	}
	return false
}
