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
	"fmt"
	"math"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

// NodeEstimator estimates which nodes of the cluster an operation touches
// under a sharding design.
type NodeEstimator struct {
	nodes int
}

func NewNodeEstimator(nodes int) *NodeEstimator {
	if nodes < 1 {
		nodes = 1
	}
	return &NodeEstimator{nodes: nodes}
}

// EstimateNodes returns the nodes op touches. Inserts always land on exactly
// one node. Reads and updates with equality on a prefix of the shard key go
// to one node, a range on its leading field to the matching share of the
// nodes, anything else is broadcast.
func (e *NodeEstimator) EstimateNodes(d *design.Design, col *proto.Collection, op *proto.Operation) ([]proto.NodeID, error) {
	key := d.ShardKey(op.Collection)

	if op.Type == proto.OpInsert {
		if len(key) == 0 {
			return []proto.NodeID{0}, nil
		}
		values, ok := e.values(op, key)
		if !ok {
			return []proto.NodeID{0}, nil
		}
		return []proto.NodeID{e.place(values)}, nil
	}

	if len(key) == 0 {
		return e.broadcast(), nil
	}
	lead, ok := op.Predicates[key[0]]
	if !ok {
		return e.broadcast(), nil
	}

	// documents sharing a shard key prefix stay together, so equality on
	// the leading fields targets a single node
	if prefix := equalityPrefix(op, key); prefix > 0 {
		values, ok := e.values(op, key[:prefix])
		if !ok {
			return e.broadcast(), nil
		}
		return []proto.NodeID{e.place(values)}, nil
	}

	// the leading field restricts the operation to a contiguous share of
	// the key space
	var field *proto.Field
	if col != nil {
		field = col.Field(key[0])
	}
	if field == nil || !field.HasStatistics() {
		return nil, fmt.Errorf("shard key field %s.%s (%s predicate): %w",
			op.Collection, key[0], lead, apierrors.ErrMissingStatistics)
	}
	v, ok := op.Value(key[0])
	if !ok {
		return e.broadcast(), nil
	}
	sel := field.Selectivity
	if sel <= 0 {
		sel = 1 / float64(field.Cardinality)
	}
	n := int(math.Ceil(sel * float64(e.nodes)))
	if n < 1 {
		n = 1
	}
	if n > e.nodes {
		n = e.nodes
	}
	start := int(proto.ValueHash(v) % uint64(e.nodes))
	ret := make([]proto.NodeID, n)
	for i := range ret {
		ret[i] = (start + i) % e.nodes
	}
	return ret, nil
}

// equalityPrefix returns how many leading fields of key op matches by
// equality.
func equalityPrefix(op *proto.Operation, key design.Key) int {
	n := 0
	for _, f := range key {
		if op.Predicates[f] != proto.PredicateEquality {
			break
		}
		n++
	}
	return n
}

func (e *NodeEstimator) values(op *proto.Operation, key design.Key) ([]interface{}, bool) {
	values := make([]interface{}, 0, len(key))
	for _, f := range key {
		v, ok := op.Value(f)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func (e *NodeEstimator) place(values []interface{}) proto.NodeID {
	var h uint64
	for _, v := range values {
		h = h*31 + proto.ValueHash(v)
	}
	return proto.NodeID(h % uint64(e.nodes))
}

func (e *NodeEstimator) broadcast() []proto.NodeID {
	ret := make([]proto.NodeID, e.nodes)
	for i := range ret {
		ret[i] = i
	}
	return ret
}
