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
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/util"
)

// Filter returns a copy of w keeping the operations accepted by keep. The
// operations themselves are shared.
func Filter(w proto.Workload, keep func(*proto.Operation) bool) proto.Workload {
	ret := make(proto.Workload, 0, len(w))
	for _, sess := range w {
		s := *sess
		s.Operations = make([]*proto.Operation, 0, len(sess.Operations))
		for _, op := range sess.Operations {
			if keep(op) {
				s.Operations = append(s.Operations, op)
			}
		}
		ret = append(ret, &s)
	}
	return ret
}

// StripCollection removes every operation against col.
func StripCollection(w proto.Workload, col string) proto.Workload {
	return Filter(w, func(op *proto.Operation) bool { return op.Collection != col })
}

// PredicateHistogram counts how often each field of col is predicated on.
func PredicateHistogram(w proto.Workload, col string) *util.Histogram[string] {
	h := util.NewHistogram[string]()
	for _, sess := range w {
		for _, op := range sess.Operations {
			if op.Collection != col {
				continue
			}
			for f := range op.Predicates {
				h.Put(f)
			}
		}
	}
	return h
}

// CollectionHistogram counts the operations per collection.
func CollectionHistogram(w proto.Workload) *util.Histogram[string] {
	h := util.NewHistogram[string]()
	for _, sess := range w {
		for _, op := range sess.Operations {
			h.Put(op.Collection)
		}
	}
	return h
}
