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

	"github.com/cmu-db/mongodb-d4-sub001/design"
)

// NetworkCost is the average share of the cluster an operation touches.
type NetworkCost struct {
	state *State
	nodes int
}

func NewNetworkCost(state *State) *NetworkCost {
	return &NetworkCost{state: state, nodes: state.cfg.Nodes}
}

func (c *NetworkCost) Name() string { return "network" }

func (c *NetworkCost) Cost(ctx context.Context, d *design.Design) (float64, error) {
	var touched, ops int
	for _, sess := range c.state.Workload() {
		for _, op := range sess.Operations {
			if c.state.skip(d, op) {
				continue
			}
			nodes, err := c.state.Nodes(d, op)
			if err != nil {
				return 0, err
			}
			touched += len(nodes)
			ops++
		}
	}
	if ops == 0 {
		return 0, nil
	}
	return float64(touched) / float64(ops*c.nodes), nil
}

// lowerBound charges every operation of a pending collection a single node.
// Once decided such an operation touches at least one node or is folded into
// its parent, and neither can drop the average below the bound.
func (c *NetworkCost) lowerBound(ctx context.Context, d *design.Design, open *openSet) (float64, error) {
	var touched, ops int
	for _, sess := range c.state.Workload() {
		for _, op := range sess.Operations {
			if open.isPending(op.Collection) {
				touched++
				ops++
				continue
			}
			if c.state.skip(d, op) {
				continue
			}
			nodes, err := c.state.Nodes(d, op)
			if err != nil {
				return 0, err
			}
			touched += len(nodes)
			ops++
		}
	}
	if ops == 0 {
		return 0, nil
	}
	return float64(touched) / float64(ops*c.nodes), nil
}

func (c *NetworkCost) Reset() {}
