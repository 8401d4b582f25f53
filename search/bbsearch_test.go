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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmu-db/mongodb-d4-sub001/costmodel"
	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

func TestCompoundKeyIterator(t *testing.T) {
	count := func(keys []design.Key, max int) int {
		n := 0
		it := NewCompoundKeyIterator(keys, max)
		for _, ok := it.Next(); ok; _, ok = it.Next() {
			n++
		}
		return n
	}
	require.Equal(t, 1, count(nil, 3))
	require.Equal(t, 4, count([]design.Key{{"a"}, {"b"}}, 2))
	require.Equal(t, 3, count([]design.Key{{"a"}, {"b"}}, 1))
	require.Equal(t, 3, count([]design.Key{{"x"}, {"x", "y"}}, 2))
	require.Equal(t, 8, count([]design.Key{{"a"}, {"b"}, {"c"}}, 3))

	it := NewCompoundKeyIterator([]design.Key{{"a"}, {"b"}}, 2)
	var sets [][]design.Key
	for set, ok := it.Next(); ok; set, ok = it.Next() {
		sets = append(sets, set)
	}
	require.Equal(t, [][]design.Key{{}, {{"a"}}, {{"b"}}, {{"a"}, {"b"}}}, sets)

	it.Reset()
	set, ok := it.Next()
	require.True(t, ok)
	require.Empty(t, set)
}

func completenessCandidates() *design.Candidates {
	c := design.NewCandidates()
	c.AddCollection("colA", []design.Key{{"a"}, {"b"}}, []design.Key{{"a"}, {"b"}}, []string{"colB"})
	c.AddCollection("colB", []design.Key{{"x"}, {"x", "y"}}, nil, nil)
	return c
}

func TestBBSearch_Completeness(t *testing.T) {
	ctx := context.Background()
	bb := NewBBSearch(nil, []string{"colA", "colB"}, completenessCandidates(), TrivialBound, WithMaxIndexes(2))
	best, cost := bb.Solve(ctx)
	require.NotNil(t, best)
	require.Equal(t, 0.0, cost)

	// colA: 2 shard keys x 2 parents x 4 index sets, colB: 1 x 1 x 3
	stats := bb.Stats()
	require.Equal(t, 48, stats.LeavesVisited)
	require.Equal(t, 1+16+48, stats.NodesVisited)
	require.Zero(t, stats.Pruned)
	require.False(t, stats.TimedOut)

	// the first leaf wins ties
	require.Equal(t, design.Key{"a"}, best.ShardKey("colA"))
	require.Equal(t, "", best.Parent("colA"))
	require.Nil(t, best.Indexes("colA"))
}

func TestBBSearch_BoundPrunes(t *testing.T) {
	ctx := context.Background()
	indexCount := func(_ context.Context, d *design.Design, _ []string) (float64, float64, error) {
		n := 0
		for _, col := range d.Collections() {
			n += len(d.Indexes(col))
		}
		return float64(n), math.Inf(1), nil
	}
	informed := NewBBSearch(nil, []string{"colA", "colB"}, completenessCandidates(), indexCount, WithMaxIndexes(2))
	best, cost := informed.Solve(ctx)
	require.Equal(t, 0.0, cost)
	require.Nil(t, best.Indexes("colB"))

	trivial := NewBBSearch(nil, []string{"colA", "colB"}, completenessCandidates(), TrivialBound, WithMaxIndexes(2))
	trivial.Solve(ctx)
	require.Greater(t, informed.Stats().Pruned, 0)
	require.Less(t, informed.Stats().NodesVisited, trivial.Stats().NodesVisited)
}

func TestBBSearch_CycleAvoidance(t *testing.T) {
	ctx := context.Background()
	c := design.NewCandidates()
	c.AddCollection("col1", nil, nil, []string{"col2"})
	c.AddCollection("col2", nil, nil, []string{"col3"})
	c.AddCollection("col3", nil, nil, []string{"col1"})

	var leaves int
	bound := func(ctx context.Context, d *design.Design, pending []string) (float64, float64, error) {
		if d.Len() == 3 {
			leaves++
			_, err := d.LoadOrder()
			require.NoError(t, err)
		}
		return TrivialBound(ctx, d, pending)
	}
	bb := NewBBSearch(nil, []string{"col1", "col2", "col3"}, c, bound)
	best, _ := bb.Solve(ctx)
	require.NotNil(t, best)
	require.Equal(t, 7, leaves)
	require.Equal(t, 7, bb.Stats().LeavesVisited)
	_, err := best.LoadOrder()
	require.NoError(t, err)
}

func TestBBSearch_Timeout(t *testing.T) {
	c := design.NewCandidates()
	var cols []string
	for _, col := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		c.AddCollection(col, []design.Key{{"a"}, {"b"}, {"c"}}, []design.Key{{"a"}, {"b"}, {"c"}}, nil)
		cols = append(cols, col)
	}
	slow := func(ctx context.Context, d *design.Design, pending []string) (float64, float64, error) {
		time.Sleep(time.Millisecond)
		return TrivialBound(ctx, d, pending)
	}

	start := time.Now()
	bb := NewBBSearch(nil, cols, c, slow, WithTimeout(100*time.Millisecond))
	best, _ := bb.Solve(context.Background())
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, bb.Stats().TimedOut)
	require.NotNil(t, best)
	require.Equal(t, 6, best.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bb = NewBBSearch(nil, cols, c, slow)
	best, cost := bb.Solve(ctx)
	require.Nil(t, best)
	require.True(t, math.IsInf(cost, 1))
	require.Zero(t, bb.Stats().NodesVisited)
}

func TestBBSearch_BoundFailures(t *testing.T) {
	ctx := context.Background()
	failing := func(ctx context.Context, d *design.Design, pending []string) (float64, float64, error) {
		if d.ShardKey("colA").Equal(design.Key{"a"}) {
			return 0, 0, context.DeadlineExceeded
		}
		return TrivialBound(ctx, d, pending)
	}
	bb := NewBBSearch(nil, []string{"colA", "colB"}, completenessCandidates(), failing, WithMaxIndexes(2))
	best, _ := bb.Solve(ctx)
	require.NotNil(t, best)
	require.Equal(t, design.Key{"b"}, best.ShardKey("colA"))
	require.Equal(t, 8, bb.Stats().Failures)
}

func TestBBSearch_UpperBound(t *testing.T) {
	ctx := context.Background()
	bb := NewBBSearch(nil, []string{"colA", "colB"}, completenessCandidates(), TrivialBound, WithUpperBound(0))
	best, cost := bb.Solve(ctx)
	require.Nil(t, best)
	require.Equal(t, 0.0, cost)
}

// Three collections, col1 queried 4 times on shardkey1 and twice on
// shardkey2, col2 twice on id and 4 joins between col2 and col3 on id.
func TestBBSearch_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c := design.NewCandidates()
	c.AddCollection("col1",
		[]design.Key{{"shardkey1"}, {"shardkey2"}},
		[]design.Key{{"shardkey1"}, {"shardkey2"}}, nil)
	c.AddCollection("col2", []design.Key{{"id"}}, []design.Key{{"id"}}, nil)
	c.AddCollection("col3", []design.Key{{"id"}}, []design.Key{{"id"}}, nil)

	type query struct {
		col, field string
		count      int
	}
	queries := []query{{"col1", "shardkey1", 4}, {"col1", "shardkey2", 2}, {"col2", "id", 2}}
	const joins = 4

	covered := func(d *design.Design, col, field string) bool {
		if d.ShardKey(col).Equal(design.Key{field}) {
			return true
		}
		for _, idx := range d.Indexes(col) {
			if idx.Equal(design.Key{field}) {
				return true
			}
		}
		return false
	}
	// undecided collections cost nothing yet, so the cost never drops
	// while the design grows
	cost := func(d *design.Design) float64 {
		var total float64
		for _, q := range queries {
			if d.HasCollection(q.col) && !covered(d, q.col, q.field) {
				total += float64(q.count)
			}
		}
		if d.HasCollection("col2") && d.HasCollection("col3") &&
			!(d.IsSharded("col2") && d.ShardKey("col2").Equal(d.ShardKey("col3"))) {
			total += joins
		}
		for _, col := range d.Collections() {
			total += 0.01 * float64(len(d.Indexes(col)))
		}
		return total
	}
	bound := func(_ context.Context, d *design.Design, _ []string) (float64, float64, error) {
		return cost(d), math.Inf(1), nil
	}

	bb := NewBBSearch(nil, []string{"col1", "col2", "col3"}, c, bound)
	best, bestCost := bb.Solve(ctx)
	require.NotNil(t, best)
	require.Equal(t, design.Key{"shardkey1"}, best.ShardKey("col1"))
	require.Equal(t, []design.Key{{"shardkey2"}}, best.Indexes("col1"))
	require.Equal(t, best.ShardKey("col2"), best.ShardKey("col3"))

	empty := design.New()
	empty.AddCollections("col1", "col2", "col3")
	require.Equal(t, 12.0, cost(empty))
	require.Less(t, bestCost, cost(empty))
	require.InDelta(t, 0.01, bestCost, 1e-9)
}

func lookup(col string, value interface{}, ts float64, predicates map[string]proto.PredicateKind) *proto.Operation {
	doc := proto.Document{}
	for f := range predicates {
		doc[f] = value
	}
	return &proto.Operation{Collection: col, Type: proto.OpQuery, Predicates: predicates, Content: []proto.Document{doc}, Timestamp: ts}
}

func exhaustiveBound(cm *costmodel.CostModel) BoundingFunc {
	return func(ctx context.Context, d *design.Design, pending []string) (float64, float64, error) {
		if len(pending) > 0 {
			return TrivialBound(ctx, d, pending)
		}
		cost, err := cm.OverallCost(ctx, d)
		return cost, math.Inf(1), err
	}
}

// A broadcast range query on colA averages far above the nine routed colB
// lookups, so the colA decision alone says little about the final cost.
func TestBBSearch_CostBoundKeepsOptimum(t *testing.T) {
	ctx := context.Background()
	catalog := proto.Catalog{
		"colA": {Name: "colA", DocCount: 1000, AvgDocSize: 128, Fields: []*proto.Field{
			{Name: "z", AvgSize: 8, Cardinality: 1000, Selectivity: 1},
			{Name: "a", AvgSize: 8, Cardinality: 2, Selectivity: 0.5, Interesting: true},
		}},
		"colB": {Name: "colB", DocCount: 1000, AvgDocSize: 128, Fields: []*proto.Field{
			{Name: "b", AvgSize: 8, Cardinality: 1000, Selectivity: 1, Interesting: true},
		}},
	}
	ops := []*proto.Operation{lookup("colA", 5, 0, map[string]proto.PredicateKind{"a": proto.PredicateRange})}
	for i := 0; i < 9; i++ {
		ops = append(ops, lookup("colB", i, float64(i+1), map[string]proto.PredicateKind{"b": proto.PredicateEquality}))
	}
	w := proto.Workload{{ID: 1, Operations: ops}}

	c := design.NewCandidates()
	c.AddCollection("colA", nil, []design.Key{{"z"}, {"a"}}, nil)
	c.AddCollection("colB", nil, []design.Key{{"b"}}, nil)
	newModel := func() *costmodel.CostModel {
		cm, err := costmodel.New(&costmodel.Config{Nodes: 8, WeightNetwork: 1}, catalog, w)
		require.NoError(t, err)
		return cm
	}

	full := NewBBSearch(nil, []string{"colA", "colB"}, c, exhaustiveBound(newModel()))
	want, wantCost := full.Solve(ctx)
	require.NotNil(t, want)
	require.InDelta(t, 13.0/80, wantCost, 1e-12)

	bounded := NewBBSearch(nil, []string{"colA", "colB"}, c, CostBound(newModel()))
	got, gotCost := bounded.Solve(ctx)
	require.NotNil(t, got)
	require.True(t, want.Equal(got))
	require.InDelta(t, wantCost, gotCost, 1e-12)
	require.Equal(t, design.Key{"a"}, got.ShardKey("colA"))
}

// colC is fixed and always broadcast, averaging above the incumbent on its
// own. Relaxing colA must still find the routed shard key.
func TestLNSDesigner_FixedContextAboveIncumbent(t *testing.T) {
	ctx := context.Background()
	catalog := proto.Catalog{
		"colA": {Name: "colA", DocCount: 1000, AvgDocSize: 128, Fields: []*proto.Field{
			{Name: "a", AvgSize: 8, Cardinality: 1000, Selectivity: 1, Interesting: true},
			{Name: "r", AvgSize: 8, Cardinality: 2, Selectivity: 0.5, Interesting: true},
		}},
		"colC": {Name: "colC", DocCount: 100, AvgDocSize: 64, Fields: []*proto.Field{
			{Name: "c", AvgSize: 8, Cardinality: 100, Selectivity: 1},
		}},
	}
	ops := []*proto.Operation{lookup("colC", 1, 0, map[string]proto.PredicateKind{"c": proto.PredicateEquality})}
	for i := 0; i < 9; i++ {
		op := lookup("colA", i, float64(i+1), map[string]proto.PredicateKind{
			"a": proto.PredicateEquality, "r": proto.PredicateRange,
		})
		ops = append(ops, op)
	}
	w := proto.Workload{{ID: 1, Operations: ops}}

	c := design.NewCandidates()
	c.AddCollection("colA", nil, []design.Key{{"r"}, {"a"}}, nil)
	c.AddCollection("colC", nil, nil, nil)
	cm, err := costmodel.New(&costmodel.Config{Nodes: 8, WeightNetwork: 1}, catalog, w)
	require.NoError(t, err)

	initial := design.NewWithCandidates(c)
	initial.AddCollections("colA", "colC")
	require.NoError(t, initial.AddShardKey("colA", design.Key{"r"}))
	initialCost, err := cm.OverallCost(ctx, initial)
	require.NoError(t, err)
	require.InDelta(t, 44.0/80, initialCost, 1e-12)

	lns, err := NewLNSDesigner("w0", Config{MaxRounds: 2, RelaxSize: 1, Seed: 1}, c, []string{"colA"}, CostBound(cm))
	require.NoError(t, err)
	best, cost, err := lns.Solve(ctx, initial)
	require.NoError(t, err)
	require.Equal(t, design.Key{"a"}, best.ShardKey("colA"))
	require.InDelta(t, 17.0/80, cost, 1e-12)
}
