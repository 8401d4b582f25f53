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
	"context"
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/costmodel"
	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
)

// BoundingFunc returns a lower and an upper bound on the cost of every
// complete design that extends the partial design d by deciding the pending
// collections. With nothing pending the lower bound is the cost of d.
type BoundingFunc func(ctx context.Context, d *design.Design, pending []string) (lower, upper float64, err error)

// CostBound bounds partial designs with cm.LowerBound and costs complete
// ones with cm.
func CostBound(cm *costmodel.CostModel) BoundingFunc {
	return func(ctx context.Context, d *design.Design, pending []string) (float64, float64, error) {
		lower, err := cm.LowerBound(ctx, d, pending)
		if err != nil {
			return 0, 0, err
		}
		return lower, 1, nil
	}
}

// TrivialBound never prunes.
func TrivialBound(context.Context, *design.Design, []string) (float64, float64, error) {
	return 0, math.Inf(1), nil
}

type Stats struct {
	NodesVisited  int
	LeavesVisited int
	Pruned        int
	Failures      int
	TimedOut      bool
}

type BBOption func(*BBSearch)

// WithUpperBound only accepts complete designs strictly cheaper than cost.
func WithUpperBound(cost float64) BBOption {
	return func(bb *BBSearch) { bb.bestCost = cost }
}

func WithTimeout(timeout time.Duration) BBOption {
	return func(bb *BBSearch) { bb.timeout = timeout }
}

func WithMaxIndexes(n int) BBOption {
	return func(bb *BBSearch) { bb.maxIndexes = n }
}

// BBSearch decides the given collections on top of a fixed base design by a
// depth first branch and bound. Children are generated when their parent is
// expanded, in candidate order, so the first of two equally cheap designs
// wins.
type BBSearch struct {
	base        *design.Design
	collections []string
	candidates  *design.Candidates
	bound       BoundingFunc
	timeout     time.Duration
	maxIndexes  int

	deadline time.Time
	best     *design.Design
	bestCost float64
	stats    Stats
}

func NewBBSearch(base *design.Design, collections []string, candidates *design.Candidates, bound BoundingFunc, opts ...BBOption) *BBSearch {
	bb := &BBSearch{
		base:        base,
		collections: collections,
		candidates:  candidates,
		bound:       bound,
		maxIndexes:  defaultMaxIndexesPerCollection,
		bestCost:    math.Inf(1),
	}
	for _, opt := range opts {
		opt(bb)
	}
	return bb
}

// Solve runs the search and returns the best complete design with its cost,
// or nil and +Inf when no design beat the upper bound. Running out of time
// or a cancelled ctx ends the search with the best design found so far.
func (bb *BBSearch) Solve(ctx context.Context) (*design.Design, float64) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()
	if bb.timeout > 0 {
		bb.deadline = start.Add(bb.timeout)
	}

	root := bb.base
	if root == nil {
		root = design.NewWithCandidates(bb.candidates)
	}
	bb.expand(ctx, root.Copy(), 0)

	span.Debugf("bbsearch over %v done in %s: %+v, best cost %f", bb.collections, time.Since(start), bb.stats, bb.bestCost)
	return bb.best, bb.bestCost
}

func (bb *BBSearch) Stats() Stats {
	return bb.stats
}

func (bb *BBSearch) expired(ctx context.Context) bool {
	if bb.stats.TimedOut {
		return true
	}
	if ctx.Err() != nil || (!bb.deadline.IsZero() && time.Now().After(bb.deadline)) {
		bb.stats.TimedOut = true
	}
	return bb.stats.TimedOut
}

func (bb *BBSearch) expand(ctx context.Context, d *design.Design, depth int) {
	if bb.expired(ctx) {
		return
	}
	bb.stats.NodesVisited++
	metrics.SearchNodesExpanded.Inc()

	lower, _, err := bb.bound(ctx, d, bb.collections[depth:])
	if err != nil {
		// an unevaluable design costs +Inf
		bb.stats.Failures++
		trace.SpanFromContextSafe(ctx).Debugf("bound of %s failed: %v", d, err)
		return
	}

	if depth == len(bb.collections) {
		bb.stats.LeavesVisited++
		metrics.SearchLeaves.Inc()
		if lower < bb.bestCost {
			bb.best, bb.bestCost = d.Copy(), lower
		}
		return
	}
	if lower > bb.bestCost {
		bb.stats.Pruned++
		metrics.SearchNodesPruned.Inc()
		return
	}

	col := bb.collections[depth]
	indexKeys := bb.candidates.IndexKeys(col)
	for _, shardKey := range bb.candidates.ShardKeyOptions(col) {
		for _, parent := range bb.candidates.DenormOptions(col) {
			if parent != "" && d.CreatesCycle(col, parent) {
				continue
			}
			it := NewCompoundKeyIterator(indexKeys, bb.maxIndexes)
			for indexes, ok := it.Next(); ok; indexes, ok = it.Next() {
				child, err := bb.child(d, col, shardKey, parent, indexes)
				if err != nil {
					bb.stats.Failures++
					continue
				}
				bb.expand(ctx, child, depth+1)
				if bb.stats.TimedOut {
					return
				}
			}
		}
	}
}

func (bb *BBSearch) child(d *design.Design, col string, shardKey design.Key, parent string, indexes []design.Key) (*design.Design, error) {
	child := d.Copy()
	child.AddCollection(col)
	if err := child.ClearIndexes(col); err != nil {
		return nil, err
	}
	if err := child.AddShardKey(col, shardKey); err != nil {
		return nil, err
	}
	if err := child.SetDenormalizationParent(col, parent); err != nil {
		return nil, err
	}
	if err := child.AddIndexes(col, indexes...); err != nil {
		return nil, err
	}
	return child, nil
}
