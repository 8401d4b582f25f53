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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

// Component is one term of the overall cost. Every component returns a value
// in [0, 1].
type Component interface {
	Name() string
	Cost(ctx context.Context, d *design.Design) (float64, error)
	Reset()
}

type weighted struct {
	Component
	weight float64
}

// CostModel scores designs against a fixed catalog and workload. Lower is
// better. A cost model is owned by a single search worker.
type CostModel struct {
	cfg        *Config
	state      *State
	components []weighted
}

func New(cfg *Config, catalog proto.Catalog, w proto.Workload) (*CostModel, error) {
	if err := cfg.FillDefault(); err != nil {
		return nil, err
	}
	state := NewState(cfg, catalog, w)
	return &CostModel{
		cfg:   cfg,
		state: state,
		components: []weighted{
			{Component: NewNetworkCost(state), weight: cfg.WeightNetwork},
			{Component: NewDiskCost(state), weight: cfg.WeightDisk},
			{Component: NewSkewCost(state), weight: cfg.WeightSkew},
		},
	}, nil
}

func (cm *CostModel) Config() *Config {
	return cm.cfg
}

func (cm *CostModel) State() *State {
	return cm.state
}

// OverallCost returns the weighted average of the component costs for d.
func (cm *CostModel) OverallCost(ctx context.Context, d *design.Design) (float64, error) {
	costs, err := cm.evaluate(ctx, d)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, c := range cm.components {
		total += c.weight * costs[c.Name()]
	}
	metrics.CostEvaluations.Inc()
	return total / cm.cfg.totalWeight(), nil
}

// Breakdown returns every component cost for d keyed by component name.
func (cm *CostModel) Breakdown(ctx context.Context, d *design.Design) (map[string]float64, error) {
	return cm.evaluate(ctx, d)
}

func (cm *CostModel) evaluate(ctx context.Context, d *design.Design) (map[string]float64, error) {
	cm.state.Apply(ctx, d)
	costs := make(map[string]float64, len(cm.components))
	for _, c := range cm.components {
		if c.weight == 0 {
			costs[c.Name()] = 0
			continue
		}
		cost, err := c.Cost(ctx, d)
		if err != nil {
			metrics.CostEvaluationFailures.Inc()
			trace.SpanFromContextSafe(ctx).Debugf("%s cost of design failed: %v", c.Name(), err)
			return nil, fmt.Errorf("%s cost: %w", c.Name(), err)
		}
		costs[c.Name()] = cost
	}
	return costs, nil
}

// InvalidateCache drops every cached result derived for col.
func (cm *CostModel) InvalidateCache(col string) {
	cm.state.InvalidateCache(col)
}

// Reset drops the state of the cost model and of every component.
func (cm *CostModel) Reset() {
	cm.state.Reset()
	for _, c := range cm.components {
		c.Reset()
	}
}
