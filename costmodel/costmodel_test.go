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

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/stretchr/testify/require"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/workload"
)

func testCatalog() proto.Catalog {
	return proto.Catalog{
		"users": {
			Name: "users", DocCount: 10000, AvgDocSize: 1024,
			Fields: []*proto.Field{
				{Name: "_id", AvgSize: 8, Cardinality: 10000, Selectivity: 1},
				{Name: "name", AvgSize: 16, Cardinality: 1000, Selectivity: 0.1, Interesting: true},
				{Name: "nickname", AvgSize: 16},
			},
		},
		"orders": {
			Name: "orders", DocCount: 20000, AvgDocSize: 256,
			Fields: []*proto.Field{
				{Name: "_id", AvgSize: 8, Cardinality: 20000, Selectivity: 1},
				{Name: "user_id", AvgSize: 8, Cardinality: 10000, Selectivity: 0.5, Interesting: true,
					ParentCollection: "users", ParentKey: "_id"},
			},
		},
	}
}

func query(col, field string, kind proto.PredicateKind, value interface{}, ts float64) *proto.Operation {
	return &proto.Operation{
		Collection: col,
		Type:       proto.OpQuery,
		Predicates: map[string]proto.PredicateKind{field: kind},
		Content:    []proto.Document{{field: value}},
		Timestamp:  ts,
	}
}

func insert(col string, doc proto.Document, ts float64) *proto.Operation {
	return &proto.Operation{
		Collection: col,
		Type:       proto.OpInsert,
		Content:    []proto.Document{doc},
		Timestamp:  ts,
	}
}

func testWorkload() proto.Workload {
	var w proto.Workload
	for i := 0; i < 40; i++ {
		ts := float64(i * 10)
		w = append(w, &proto.Session{
			ID:        uint64(i),
			StartTime: ts,
			Operations: []*proto.Operation{
				query("users", "name", proto.PredicateEquality, fmt.Sprintf("user-%d", i%7), ts),
				query("orders", "user_id", proto.PredicateEquality, i, ts+1),
				insert("users", proto.Document{"name": fmt.Sprintf("user-%d", i)}, ts+2),
			},
		})
	}
	return w
}

func baseDesign(t *testing.T, usersKey, ordersKey design.Key) *design.Design {
	d := design.New()
	d.AddCollections("users", "orders")
	require.NoError(t, d.AddShardKey("users", usersKey))
	require.NoError(t, d.AddShardKey("orders", ordersKey))
	return d
}

func newModel(t *testing.T, cfg *Config, w proto.Workload) *CostModel {
	cm, err := New(cfg, testCatalog(), w)
	require.NoError(t, err)
	return cm
}

func TestConfig_FillDefault(t *testing.T) {
	cfg := &Config{Nodes: 4}
	require.NoError(t, cfg.FillDefault())
	require.Equal(t, 1.0, cfg.WeightDisk)
	require.Equal(t, defaultNodeMemory*4, cfg.MaxMemory)
	require.Equal(t, proto.DefaultPageSize, cfg.PageSize)
	require.Equal(t, defaultSkewIntervals, cfg.SkewIntervals)

	cfg = &Config{WeightDisk: 1}
	require.NoError(t, cfg.FillDefault())
	require.Equal(t, 0.0, cfg.WeightNetwork)

	require.ErrorIs(t, (&Config{WeightSkew: -1}).FillDefault(), apierrors.ErrInvalidConfig)
	require.ErrorIs(t, (&Config{Nodes: -1}).FillDefault(), apierrors.ErrInvalidConfig)

	// weights missing from a loaded config keep their default
	cfg = &Config{}
	*cfg = DefaultConfig()
	require.NoError(t, config.LoadData(cfg, []byte(`{"weight_disk": 2, "nodes": 4}`)))
	require.NoError(t, cfg.FillDefault())
	require.Equal(t, 1.0, cfg.WeightNetwork)
	require.Equal(t, 2.0, cfg.WeightDisk)
	require.Equal(t, 1.0, cfg.WeightSkew)

	cfg = &Config{}
	*cfg = DefaultConfig()
	require.NoError(t, config.LoadData(cfg, []byte(`{"weight_skew": 0}`)))
	require.NoError(t, cfg.FillDefault())
	require.Equal(t, 0.0, cfg.WeightSkew)
	require.Equal(t, 2.0, cfg.totalWeight())
}

func TestCostModel_Deterministic(t *testing.T) {
	ctx := context.Background()
	w := testWorkload()
	d1 := baseDesign(t, design.Key{"name"}, design.Key{"user_id"})
	require.NoError(t, d1.AddIndex("users", design.Key{"name"}))
	d2 := baseDesign(t, design.Key{"_id"}, design.Key{"_id"})

	cm := newModel(t, &Config{Nodes: 8}, w)
	c1, err := cm.OverallCost(ctx, d1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, c1, 0.0)
	require.LessOrEqual(t, c1, 1.0)

	c2, err := cm.OverallCost(ctx, d2)
	require.NoError(t, err)
	again, err := cm.OverallCost(ctx, d1)
	require.NoError(t, err)
	require.Equal(t, c1, again)
	require.Less(t, c1, c2)

	fresh, err := newModel(t, &Config{Nodes: 8}, w).OverallCost(ctx, d1)
	require.NoError(t, err)
	require.Equal(t, c1, fresh)
}

func TestCostModel_CacheInvalidation(t *testing.T) {
	ctx := context.Background()
	w := testWorkload()
	cm := newModel(t, &Config{Nodes: 8}, w)

	d1 := baseDesign(t, design.Key{"name"}, design.Key{"user_id"})
	_, err := cm.OverallCost(ctx, d1)
	require.NoError(t, err)

	d2 := d1.Copy()
	require.NoError(t, d2.AddShardKey("users", design.Key{"_id"}))
	require.NoError(t, d2.AddIndex("users", design.Key{"name"}))
	got, err := cm.OverallCost(ctx, d2)
	require.NoError(t, err)

	want, err := newModel(t, &Config{Nodes: 8}, w).OverallCost(ctx, d2)
	require.NoError(t, err)
	require.Equal(t, want, got)

	cm.Reset()
	got, err = cm.OverallCost(ctx, d2)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDiskCost_Indexes(t *testing.T) {
	ctx := context.Background()
	cm := newModel(t, &Config{WeightDisk: 1}, testWorkload())

	d := baseDesign(t, design.Key{"name"}, design.Key{"user_id"})
	cost, err := cm.OverallCost(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 1.0, cost)

	withIndex := d.Copy()
	require.NoError(t, withIndex.AddIndex("users", design.Key{"name"}))
	indexed, err := cm.OverallCost(ctx, withIndex)
	require.NoError(t, err)
	require.Less(t, indexed, cost)

	both := withIndex.Copy()
	require.NoError(t, both.AddIndex("orders", design.Key{"user_id"}))
	better, err := cm.OverallCost(ctx, both)
	require.NoError(t, err)
	require.Less(t, better, indexed)
}

func TestDiskCost_RegexSkipsIndex(t *testing.T) {
	ctx := context.Background()
	w := proto.Workload{{Operations: []*proto.Operation{
		query("users", "name", proto.PredicateRegex, "^al", 0),
	}}}
	cm := newModel(t, &Config{WeightDisk: 1}, w)
	d := baseDesign(t, nil, nil)
	require.NoError(t, d.AddIndex("users", design.Key{"name"}))
	cost, err := cm.OverallCost(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 1.0, cost)
}

func TestWritePenalty(t *testing.T) {
	require.Equal(t, 0.0, writePenalty(nil))
	require.Equal(t,
		writePenalty([]design.Key{{"a"}, {"b"}}),
		writePenalty([]design.Key{{"a", "b"}}))
}

func TestNetworkCost(t *testing.T) {
	ctx := context.Background()
	cm := newModel(t, &Config{Nodes: 8, WeightNetwork: 1}, testWorkload())

	routed := baseDesign(t, design.Key{"name"}, design.Key{"user_id"})
	cost, err := cm.OverallCost(ctx, routed)
	require.NoError(t, err)
	require.Equal(t, 1.0/8, cost)

	byID := baseDesign(t, design.Key{"_id"}, design.Key{"_id"})
	broadcast, err := cm.OverallCost(ctx, byID)
	require.NoError(t, err)
	require.Greater(t, broadcast, cost)

	empty := newModel(t, &Config{Nodes: 8, WeightNetwork: 1}, nil)
	cost, err = empty.OverallCost(ctx, routed)
	require.NoError(t, err)
	require.Equal(t, 0.0, cost)
}

func TestNetworkCost_UndecidedCollections(t *testing.T) {
	ctx := context.Background()
	w := testWorkload()
	d := design.New()
	d.AddCollection("users")
	require.NoError(t, d.AddShardKey("users", design.Key{"name"}))

	skipped, err := newModel(t, &Config{Nodes: 8, WeightNetwork: 1}, w).OverallCost(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 1.0/8, skipped)

	counted, err := newModel(t, &Config{Nodes: 8, WeightNetwork: 1, CostUndecidedCollections: true}, w).OverallCost(ctx, d)
	require.NoError(t, err)
	// 80 routed user ops plus 40 orders ops broadcast to all nodes
	require.InDelta(t, float64(80+40*8)/float64(120*8), counted, 1e-12)
}

func TestNodeEstimator(t *testing.T) {
	catalog := testCatalog()
	e := NewNodeEstimator(10)
	d := baseDesign(t, design.Key{"name"}, nil)

	nodes, err := e.EstimateNodes(d, catalog["users"], query("users", "name", proto.PredicateEquality, "x", 0))
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	nodes, err = e.EstimateNodes(d, catalog["users"], query("users", "name", proto.PredicateRange, "x", 0))
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	nodes, err = e.EstimateNodes(d, catalog["users"], query("users", "_id", proto.PredicateEquality, 1, 0))
	require.NoError(t, err)
	require.Len(t, nodes, 10)

	nodes, err = e.EstimateNodes(d, catalog["users"], insert("users", proto.Document{"other": 1}, 0))
	require.NoError(t, err)
	require.Equal(t, []proto.NodeID{0}, nodes)

	nodes, err = e.EstimateNodes(d, catalog["orders"], query("orders", "user_id", proto.PredicateEquality, 1, 0))
	require.NoError(t, err)
	require.Len(t, nodes, 10)

	require.NoError(t, d.AddShardKey("orders", design.Key{"user_id"}))
	nodes, err = e.EstimateNodes(d, catalog["orders"], query("orders", "user_id", proto.PredicateRange, 1, 0))
	require.NoError(t, err)
	require.Len(t, nodes, 5)

	// missing value falls back to a broadcast
	op := query("users", "name", proto.PredicateEquality, nil, 0)
	nodes, err = e.EstimateNodes(d, catalog["users"], op)
	require.NoError(t, err)
	require.Len(t, nodes, 10)

	// equality on the leading field of a compound key needs no statistics
	require.NoError(t, d.AddShardKey("users", design.Key{"nickname", "name"}))
	nodes, err = e.EstimateNodes(d, catalog["users"], query("users", "nickname", proto.PredicateEquality, "bob", 0))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	again, err := e.EstimateNodes(d, catalog["users"], query("users", "nickname", proto.PredicateEquality, "bob", 0))
	require.NoError(t, err)
	require.Equal(t, nodes, again)

	_, err = e.EstimateNodes(d, catalog["users"], query("users", "nickname", proto.PredicateRange, "bob", 0))
	require.ErrorIs(t, err, apierrors.ErrMissingStatistics)
}

func TestCostModel_MissingStatistics(t *testing.T) {
	ctx := context.Background()
	w := proto.Workload{{Operations: []*proto.Operation{
		query("users", "nickname", proto.PredicateRange, "bob", 0),
	}}}

	d := baseDesign(t, design.Key{"nickname"}, nil)
	_, err := newModel(t, &Config{Nodes: 4, WeightNetwork: 1}, w).OverallCost(ctx, d)
	require.ErrorIs(t, err, apierrors.ErrMissingStatistics)

	d = baseDesign(t, nil, nil)
	require.NoError(t, d.AddIndex("users", design.Key{"nickname"}))
	_, err = newModel(t, &Config{WeightDisk: 1}, w).OverallCost(ctx, d)
	require.ErrorIs(t, err, apierrors.ErrMissingStatistics)
}

func TestSkewCost(t *testing.T) {
	ctx := context.Background()
	var w proto.Workload
	for i := 0; i < 20; i++ {
		w = append(w, &proto.Session{
			StartTime:  float64(i),
			Operations: []*proto.Operation{query("users", "name", proto.PredicateEquality, "alice", float64(i))},
		})
	}
	cm := newModel(t, &Config{Nodes: 4, WeightSkew: 1}, w)

	cost, err := cm.OverallCost(ctx, baseDesign(t, nil, nil))
	require.NoError(t, err)
	require.InDelta(t, 0.0, cost, 1e-9)

	cost, err = cm.OverallCost(ctx, baseDesign(t, design.Key{"name"}, nil))
	require.NoError(t, err)
	require.InDelta(t, 1.0, cost, 1e-9)

	single := newModel(t, &Config{Nodes: 1, WeightSkew: 1}, w)
	cost, err = single.OverallCost(ctx, baseDesign(t, design.Key{"name"}, nil))
	require.NoError(t, err)
	require.Equal(t, 0.0, cost)
}

func TestCostModel_DenormalizationEquivalence(t *testing.T) {
	ctx := context.Background()
	w := testWorkload()
	d := baseDesign(t, design.Key{"name"}, nil)
	require.NoError(t, d.AddIndex("users", design.Key{"name"}))
	require.NoError(t, d.SetDenormalizationParent("orders", "users"))

	combined, err := newModel(t, &Config{Nodes: 4}, w).OverallCost(ctx, d)
	require.NoError(t, err)
	stripped, err := newModel(t, &Config{Nodes: 4}, workload.StripCollection(w, "orders")).OverallCost(ctx, d)
	require.NoError(t, err)
	require.Equal(t, stripped, combined)

	// embedding grows the parent documents
	cm := newModel(t, &Config{Nodes: 4}, w)
	_, err = cm.OverallCost(ctx, d)
	require.NoError(t, err)
	require.Greater(t, cm.State().Collection("users").AvgDocSize, 1024.0)
	require.Equal(t, 1024.0, testCatalog()["users"].AvgDocSize)
	require.Equal(t, 0, cm.State().Workload().CollectionOpCount("orders"))
}

func TestCostModel_Breakdown(t *testing.T) {
	ctx := context.Background()
	cm := newModel(t, &Config{Nodes: 8}, testWorkload())
	costs, err := cm.Breakdown(ctx, baseDesign(t, design.Key{"name"}, design.Key{"user_id"}))
	require.NoError(t, err)
	require.Len(t, costs, 3)
	require.Equal(t, 1.0/8, costs["network"])
	require.Equal(t, 1.0, costs["disk"])
}
