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
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/util"
	"github.com/cmu-db/mongodb-d4-sub001/workload"
)

// GenerateCandidates derives the design options of every catalog collection
// from the fields the workload predicates on.
func GenerateCandidates(ctx context.Context, cfg CandidateConfig, catalog proto.Catalog, w proto.Workload) (*design.Candidates, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := cfg.FillDefault(); err != nil {
		return nil, err
	}

	c := design.NewCandidates()
	for _, name := range catalog.Names() {
		col := catalog[name]
		fields := candidateFields(col, workload.PredicateHistogram(w, name))

		var shardKeys, indexKeys []design.Key
		var parents []string
		if cfg.EnableSharding {
			for _, f := range fields {
				shardKeys = append(shardKeys, design.Key{f})
			}
			if col.HasField(proto.IDField) {
				shardKeys = append(shardKeys, design.Key{proto.IDField})
			}
		}
		if cfg.EnableIndexes {
			for _, f := range fields {
				indexKeys = append(indexKeys, design.Key{f})
			}
			indexKeys = append(indexKeys, compoundKeys(col, fields, w, cfg.MaxIndexWidth)...)
		}
		if cfg.EnableDenormalization {
			for _, f := range col.Fields {
				if f.ParentCollection != "" && f.ParentCollection != name && catalog.Get(f.ParentCollection) != nil {
					parents = append(parents, f.ParentCollection)
				}
			}
		}
		c.AddCollection(name, indexKeys, shardKeys, parents)
		span.Debugf("candidates of %s: %d shard keys, %d index keys, %d parents", name, len(shardKeys), len(indexKeys), len(parents))
	}
	if err := c.Validate(catalog); err != nil {
		return nil, err
	}
	return c, nil
}

// candidateFields returns the predicated fields of col, most frequent first,
// followed by the remaining interesting fields in declaration order.
func candidateFields(col *proto.Collection, predicates *util.Histogram[string]) []string {
	var ret []string
	seen := make(map[string]struct{})
	for _, f := range predicates.MostCommon() {
		if col.HasField(f) {
			ret = append(ret, f)
			seen[f] = struct{}{}
		}
	}
	for _, f := range col.InterestingFields() {
		if _, ok := seen[f]; !ok {
			ret = append(ret, f)
			seen[f] = struct{}{}
		}
	}
	return ret
}

// compoundKeys builds ordered keys out of fields predicated on together by a
// single operation, ordered like fields and up to width fields wide.
func compoundKeys(col *proto.Collection, fields []string, w proto.Workload, width int) []design.Key {
	rank := make(map[string]int, len(fields))
	for i, f := range fields {
		rank[f] = i
	}
	var ret []design.Key
	for _, sess := range w {
		for _, op := range sess.Operations {
			if op.Collection != col.Name || len(op.Predicates) < 2 {
				continue
			}
			var together []string
			for f := range op.Predicates {
				if _, ok := rank[f]; ok {
					together = append(together, f)
				}
			}
			sort.Slice(together, func(i, j int) bool { return rank[together[i]] < rank[together[j]] })
			for n := 2; n <= width && n <= len(together); n++ {
				ret = append(ret, design.Key(append([]string(nil), together[:n]...)))
			}
		}
	}
	return ret
}
