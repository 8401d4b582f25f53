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

package workload

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

// Combiner folds the operations of embedded collections into the operations
// of their parents.
type Combiner struct {
	workload proto.Workload
}

func NewCombiner(w proto.Workload) *Combiner {
	return &Combiner{workload: w}
}

// Process returns a transformed copy of the workload for d. Sessions and
// operations of the original workload are never modified.
func (c *Combiner) Process(ctx context.Context, d *design.Design) proto.Workload {
	span := trace.SpanFromContextSafe(ctx)

	children := denormalizedCollections(d)
	if len(children) == 0 {
		return c.workload
	}

	ret := make(proto.Workload, 0, len(c.workload))
	combined, dropped := 0, 0
	for _, sess := range c.workload {
		ops := sess.Operations
		for _, child := range children {
			var n, m int
			ops, n, m = combineSession(ops, child, d.Parent(child))
			combined += n
			dropped += m
		}
		s := *sess
		s.Operations = ops
		ret = append(ret, &s)
	}
	span.Debugf("combined workload for %s: %d ops merged, %d ops dropped", d.DenormalizationSignature(), combined, dropped)
	return ret
}

// denormalizedCollections orders the embedded collections deepest first, so
// that a chain a->b->c folds a into b before b is folded into c.
func denormalizedCollections(d *design.Design) []string {
	var ret []string
	depth := make(map[string]int)
	for _, name := range d.Collections() {
		if d.IsDenormalized(name) {
			ret = append(ret, name)
			depth[name] = d.DenormalizationDepth(name)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return depth[ret[i]] > depth[ret[j]]
	})
	return ret
}

// combineSession walks the session backwards collecting pending child
// operations and splices them into the closest earlier parent operation.
// Child operations without an earlier parent operation are dropped.
func combineSession(ops []*proto.Operation, child, parent string) ([]*proto.Operation, int, int) {
	hasChild := false
	for _, op := range ops {
		if op.Collection == child {
			hasChild = true
			break
		}
	}
	if !hasChild {
		return ops, 0, 0
	}

	var (
		pending  []*proto.Operation
		combined int
		out      = make([]*proto.Operation, 0, len(ops))
	)
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Collection {
		case child:
			pending = append(pending, op)
		case parent:
			if len(pending) > 0 {
				op = op.Copy()
				for j := len(pending) - 1; j >= 0; j-- {
					for _, doc := range pending[j].Content {
						op.Content = append(op.Content, proto.Document{child: map[string]interface{}(doc)})
					}
				}
				combined += len(pending)
				pending = pending[:0]
			}
			out = append(out, op)
		default:
			out = append(out, op)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, combined, len(pending)
}
