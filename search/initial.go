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
	"math/rand"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/workload"
)

// InitialDesign shards and indexes every collection on its most frequently
// predicated candidate field and embeds nothing. It is the starting point
// of large neighborhood search.
func InitialDesign(ctx context.Context, candidates *design.Candidates, collections []string, w proto.Workload) (*design.Design, error) {
	d := design.NewWithCandidates(candidates)
	for _, col := range collections {
		d.AddCollection(col)
		hist := workload.PredicateHistogram(w, col)

		var shardKey design.Key
		best := -1
		for _, key := range candidates.ShardKeyOptions(col) {
			if len(key) == 0 {
				continue
			}
			if n := hist.Get(key[0]); n > best {
				shardKey, best = key, n
			}
		}
		if err := d.AddShardKey(col, shardKey); err != nil {
			return nil, err
		}

		var index design.Key
		best = 0
		for _, key := range candidates.IndexKeys(col) {
			if n := hist.Get(key[0]); len(key) == 1 && n > best {
				index, best = key, n
			}
		}
		if index != nil {
			if err := d.AddIndex(col, index); err != nil {
				return nil, err
			}
		}
	}
	trace.SpanFromContextSafe(ctx).Debugf("initial design: %s", d)
	return d, nil
}

// StartingDesign builds the design the search starts from with the strategy
// cfg selects.
func StartingDesign(ctx context.Context, cfg Config, candidates *design.Candidates, collections []string, w proto.Workload) (*design.Design, error) {
	if err := cfg.FillDefault(); err != nil {
		return nil, err
	}
	if cfg.Initial != InitialRandom {
		return InitialDesign(ctx, candidates, collections, w)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d, err := RandomDesign(rand.New(rand.NewSource(seed)), candidates, collections, cfg.MaxIndexesPerCollection)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Debugf("random initial design: %s", d)
	return d, nil
}

// RandomDesign picks a random option for every decision of every collection.
// Embeddings that would close a cycle are skipped.
func RandomDesign(rnd *rand.Rand, candidates *design.Candidates, collections []string, maxIndexes int) (*design.Design, error) {
	d := design.NewWithCandidates(candidates)
	for _, col := range collections {
		d.AddCollection(col)
	}
	for _, col := range collections {
		shardKeys := candidates.ShardKeyOptions(col)
		if err := d.AddShardKey(col, shardKeys[rnd.Intn(len(shardKeys))]); err != nil {
			return nil, err
		}

		keys := candidates.IndexKeys(col)
		n := rnd.Intn(maxIndexes + 1)
		for _, i := range rnd.Perm(len(keys)) {
			if n == 0 {
				break
			}
			if err := d.AddIndex(col, keys[i]); err != nil {
				return nil, err
			}
			n--
		}

		parents := candidates.DenormOptions(col)
		parent := parents[rnd.Intn(len(parents))]
		if parent != "" && !d.CreatesCycle(col, parent) {
			if err := d.SetDenormalizationParent(col, parent); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}
