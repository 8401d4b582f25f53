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

// bounded is implemented by the components able to bound the cost of the
// complete designs reachable from a partial one. Components without it
// contribute zero to the bound.
type bounded interface {
	lowerBound(ctx context.Context, d *design.Design, open *openSet) (float64, error)
}

// openSet is what deciding the pending collections may still change.
type openSet struct {
	pending map[string]struct{}
	// affected holds the pending collections and every collection one of
	// them may end up embedded into, whose size may still grow
	affected map[string]struct{}
	// extraPages is the most pages a collection can grow by
	extraPages int64
}

func (o *openSet) isPending(col string) bool {
	_, ok := o.pending[col]
	return ok
}

func (o *openSet) isAffected(col string) bool {
	_, ok := o.affected[col]
	return ok
}

// LowerBound returns a cost no complete design can go below when it extends
// d by deciding the pending collections. With nothing pending it is the cost
// of d. Skew is bounded by zero: more operations may even out any interval.
func (cm *CostModel) LowerBound(ctx context.Context, d *design.Design, pending []string) (float64, error) {
	if len(pending) == 0 {
		return cm.OverallCost(ctx, d)
	}
	cm.state.Apply(ctx, d)
	open := cm.state.openSet(d, pending)

	var total float64
	for _, c := range cm.components {
		b, ok := c.Component.(bounded)
		if !ok || c.weight == 0 {
			continue
		}
		lower, err := b.lowerBound(ctx, d, open)
		if err != nil {
			metrics.CostEvaluationFailures.Inc()
			trace.SpanFromContextSafe(ctx).Debugf("%s bound of design failed: %v", c.Name(), err)
			return 0, fmt.Errorf("%s bound: %w", c.Name(), err)
		}
		total += c.weight * lower
	}
	metrics.CostEvaluations.Inc()
	return total / cm.cfg.totalWeight(), nil
}

func (s *State) openSet(d *design.Design, pending []string) *openSet {
	open := &openSet{
		pending:  make(map[string]struct{}, len(pending)),
		affected: make(map[string]struct{}),
	}
	for _, col := range pending {
		open.pending[col] = struct{}{}
	}

	queue := append([]string(nil), pending...)
	for len(queue) > 0 {
		col := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if col == "" || open.isAffected(col) {
			continue
		}
		open.affected[col] = struct{}{}
		queue = append(queue, s.parentsOf(d, col, open)...)
	}

	for col := range open.pending {
		c := s.Collection(col)
		if c == nil {
			continue
		}
		// a parent grows by the pages or by the bytes of its child
		pages := c.Pages(s.cfg.PageSize)
		if n := proto.PagesFor(c.DataSize(), s.cfg.PageSize); n > pages {
			pages = n
		}
		open.extraPages += pages
	}
	return open
}

// parentsOf lists the collections col may be embedded into. A decided
// collection keeps its parent, a pending one may pick any of its candidates.
func (s *State) parentsOf(d *design.Design, col string, open *openSet) []string {
	if !open.isPending(col) {
		if p := d.Parent(col); p != "" {
			return []string{p}
		}
		return nil
	}
	if c := d.Candidates(); c != nil {
		return c.DenormOptions(col)
	}
	return s.catalog.Names()
}
