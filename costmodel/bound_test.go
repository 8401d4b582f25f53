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

package costmodel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

type choice struct {
	shardKey design.Key
	parent   string
	indexes  []design.Key
}

func decide(t *testing.T, d *design.Design, col string, ch choice) *design.Design {
	d = d.Copy()
	d.AddCollection(col)
	require.NoError(t, d.AddShardKey(col, ch.shardKey))
	require.NoError(t, d.SetDenormalizationParent(col, ch.parent))
	require.NoError(t, d.AddIndexes(col, ch.indexes...))
	return d
}

// colA is queried once by a range on a, colB nine times by equality on b.
func rangeCatalog() proto.Catalog {
	return proto.Catalog{
		"colA": {
			Name: "colA", DocCount: 1000, AvgDocSize: 128,
			Fields: []*proto.Field{
				{Name: "z", AvgSize: 8, Cardinality: 1000, Selectivity: 1},
				{Name: "a", AvgSize: 8, Cardinality: 2, Selectivity: 0.5, Interesting: true},
			},
		},
		"colB": {
			Name: "colB", DocCount: 1000, AvgDocSize: 128,
			Fields: []*proto.Field{
				{Name: "b", AvgSize: 8, Cardinality: 1000, Selectivity: 1, Interesting: true},
			},
		},
	}
}

func rangeWorkload() proto.Workload {
	ops := []*proto.Operation{query("colA", "a", proto.PredicateRange, 5, 0)}
	for i := 0; i < 9; i++ {
		ops = append(ops, query("colB", "b", proto.PredicateEquality, i, float64(i+1)))
	}
	return proto.Workload{{ID: 1, Operations: ops}}
}

func TestCostModel_LowerBoundAverages(t *testing.T) {
	ctx := context.Background()
	c := design.NewCandidates()
	c.AddCollection("colA", nil, []design.Key{{"z"}, {"a"}}, nil)
	c.AddCollection("colB", nil, []design.Key{{"b"}}, nil)
	cm, err := New(&Config{Nodes: 8, WeightNetwork: 1}, rangeCatalog(), rangeWorkload())
	require.NoError(t, err)

	root := design.NewWithCandidates(c)
	lower, err := cm.LowerBound(ctx, root, []string{"colA", "colB"})
	require.NoError(t, err)
	require.InDelta(t, 10.0/80, lower, 1e-12)

	// a broadcast range on colA alone averages 1, but the nine routed colB
	// queries pull every completion down
	byZ := decide(t, root, "colA", choice{shardKey: design.Key{"z"}})
	lower, err = cm.LowerBound(ctx, byZ, []string{"colB"})
	require.NoError(t, err)
	require.InDelta(t, 17.0/80, lower, 1e-12)

	byA := decide(t, root, "colA", choice{shardKey: design.Key{"a"}})
	lower, err = cm.LowerBound(ctx, byA, []string{"colB"})
	require.NoError(t, err)
	require.InDelta(t, 13.0/80, lower, 1e-12)

	leafZ := decide(t, byZ, "colB", choice{shardKey: design.Key{"b"}})
	costZ, err := cm.OverallCost(ctx, leafZ)
	require.NoError(t, err)
	require.InDelta(t, 17.0/80, costZ, 1e-12)

	leafA := decide(t, byA, "colB", choice{shardKey: design.Key{"b"}})
	costA, err := cm.OverallCost(ctx, leafA)
	require.NoError(t, err)
	require.InDelta(t, 13.0/80, costA, 1e-12)
	require.Less(t, costA, costZ)

	// nothing pending is the cost itself
	lower, err = cm.LowerBound(ctx, leafA, nil)
	require.NoError(t, err)
	require.Equal(t, costA, lower)
}

func TestCostModel_LowerBoundNeverExceedsCompletions(t *testing.T) {
	ctx := context.Background()
	c := design.NewCandidates()
	c.AddCollection("orders", []design.Key{{"user_id"}}, []design.Key{{"user_id"}, {"_id"}}, []string{"users"})
	c.AddCollection("users", []design.Key{{"name"}}, []design.Key{{"name"}, {"_id"}}, nil)

	options := map[string][]choice{}
	for _, key := range []design.Key{{"user_id"}, {"_id"}} {
		for _, parent := range []string{"", "users"} {
			for _, idx := range [][]design.Key{nil, {{"user_id"}}} {
				options["orders"] = append(options["orders"], choice{key, parent, idx})
			}
		}
	}
	for _, key := range []design.Key{{"name"}, {"_id"}} {
		for _, idx := range [][]design.Key{nil, {{"name"}}} {
			options["users"] = append(options["users"], choice{shardKey: key, indexes: idx})
		}
	}

	for _, order := range [][]string{{"orders", "users"}, {"users", "orders"}} {
		first, second := order[0], order[1]
		for _, cfg := range []*Config{
			{Nodes: 8, MaxMemory: 64 << 10},
			{Nodes: 8, WeightDisk: 1, MaxMemory: 64 << 10},
			{Nodes: 4, WeightNetwork: 1, CostUndecidedCollections: true},
		} {
			cm, err := New(cfg, testCatalog(), testWorkload())
			require.NoError(t, err)
			root := design.NewWithCandidates(c)
			rootLower, err := cm.LowerBound(ctx, root, order)
			require.NoError(t, err)

			for _, ch1 := range options[first] {
				partial := decide(t, root, first, ch1)
				lower, err := cm.LowerBound(ctx, partial, []string{second})
				require.NoError(t, err)
				for _, ch2 := range options[second] {
					leaf := decide(t, partial, second, ch2)
					cost, err := cm.OverallCost(ctx, leaf)
					require.NoError(t, err)
					msg := fmt.Sprintf("order %v, %s", order, leaf.DenormalizationSignature())
					require.LessOrEqual(t, lower, cost+1e-12, msg)
					require.LessOrEqual(t, rootLower, cost+1e-12, msg)
				}
			}
		}
	}
}
