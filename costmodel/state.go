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
	"sort"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
	"github.com/cmu-db/mongodb-d4-sub001/workload"
)

type pageKey struct {
	index string // empty for document pages
	level int
	page  int64
}

type indexChoice struct {
	key     design.Key
	covered int
}

// CacheHandle holds everything derived for one collection under the last
// evaluated design. It is dropped as soon as that collection's design changes.
type CacheHandle struct {
	bestIndex map[proto.QueryHash]*indexChoice
	regex     map[proto.QueryHash]bool
	nodes     map[*proto.Operation][]proto.NodeID
	buffer    *simplelru.LRU[pageKey, struct{}]
}

func newCacheHandle() *CacheHandle {
	return &CacheHandle{
		bestIndex: make(map[proto.QueryHash]*indexChoice),
		regex:     make(map[proto.QueryHash]bool),
		nodes:     make(map[*proto.Operation][]proto.NodeID),
	}
}

// resetBuffer empties the page buffer and resizes it to capacity.
func (h *CacheHandle) resetBuffer(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if h.buffer == nil {
		h.buffer, _ = simplelru.NewLRU[pageKey, struct{}](capacity, nil)
		return
	}
	h.buffer.Purge()
	h.buffer.Resize(capacity)
}

// touch reports whether the page missed the buffer.
func (h *CacheHandle) touch(key pageKey) bool {
	if _, hit := h.buffer.Get(key); hit {
		return false
	}
	h.buffer.Add(key, struct{}{})
	return true
}

// State is the working state shared by the cost components of one cost
// model. It is not safe for concurrent use; every search worker owns its own
// cost model.
type State struct {
	cfg       *Config
	catalog   proto.Catalog
	original  proto.Workload
	combiner  *workload.Combiner
	estimator *NodeEstimator

	prepared    bool
	signature   string
	combined    proto.Workload
	collections map[string]*proto.Collection
	handles     map[string]*CacheHandle
	last        *design.Design
}

func NewState(cfg *Config, catalog proto.Catalog, w proto.Workload) *State {
	return &State{
		cfg:       cfg,
		catalog:   catalog,
		original:  w,
		combiner:  workload.NewCombiner(w),
		estimator: NewNodeEstimator(cfg.Nodes),
		handles:   make(map[string]*CacheHandle),
	}
}

// Apply prepares the state for evaluating d. The combined workload is rebuilt
// when the denormalization changed, otherwise only the caches of the
// collections whose design differs from the last evaluated one are dropped.
func (s *State) Apply(ctx context.Context, d *design.Design) {
	sig := d.DenormalizationSignature()
	if !s.prepared || sig != s.signature {
		span := trace.SpanFromContextSafe(ctx)
		s.combined = s.combiner.Process(ctx, d)
		s.collections = s.effectiveCollections(d)
		s.signature = sig
		s.prepared = true
		s.handles = make(map[string]*CacheHandle)
		span.Debugf("rebuilt cost state for denormalization %q, %d ops", sig, s.combined.OpCount())
	} else if s.last != nil {
		for _, col := range s.last.Delta(d) {
			s.InvalidateCache(col)
		}
	}
	s.last = d.Copy()
}

// InvalidateCache drops everything derived for col.
func (s *State) InvalidateCache(col string) {
	delete(s.handles, col)
}

// Reset drops every cache and the combined workload.
func (s *State) Reset() {
	s.prepared = false
	s.signature = ""
	s.combined = nil
	s.collections = nil
	s.handles = make(map[string]*CacheHandle)
	s.last = nil
}

func (s *State) Handle(col string) *CacheHandle {
	h, ok := s.handles[col]
	if !ok {
		h = newCacheHandle()
		s.handles[col] = h
	}
	return h
}

// Workload returns the combined workload of the last applied design.
func (s *State) Workload() proto.Workload {
	return s.combined
}

// Collection returns the metadata of col with the size of every embedded
// collection folded in.
func (s *State) Collection(col string) *proto.Collection {
	if c, ok := s.collections[col]; ok {
		return c
	}
	return s.catalog.Get(col)
}

// skip reports whether op is left out of the cost because its collection is
// not decided yet.
func (s *State) skip(d *design.Design, op *proto.Operation) bool {
	return !s.cfg.CostUndecidedCollections && !d.HasCollection(op.Collection)
}

// Nodes returns the nodes op touches under d.
func (s *State) Nodes(d *design.Design, op *proto.Operation) ([]proto.NodeID, error) {
	h := s.Handle(op.Collection)
	if nodes, ok := h.nodes[op]; ok {
		return nodes, nil
	}
	nodes, err := s.estimator.EstimateNodes(d, s.Collection(op.Collection), op)
	if err != nil {
		return nil, err
	}
	h.nodes[op] = nodes
	return nodes, nil
}

// IsRegex reports whether op carries a regex predicate.
func (s *State) IsRegex(op *proto.Operation) bool {
	h := s.Handle(op.Collection)
	hash := op.Hash()
	if v, ok := h.regex[hash]; ok {
		return v
	}
	v := false
	for _, kind := range op.Predicates {
		if kind == proto.PredicateRegex {
			v = true
			break
		}
	}
	h.regex[hash] = v
	return v
}

// BestIndex picks the index of d covering the longest prefix of op's
// predicates. Ties go to the narrower index, then to the earlier one.
func (s *State) BestIndex(d *design.Design, op *proto.Operation) (design.Key, int) {
	h := s.Handle(op.Collection)
	hash := op.Hash()
	if c, ok := h.bestIndex[hash]; ok {
		if c == nil {
			return nil, 0
		}
		return c.key, c.covered
	}

	var best *indexChoice
	for _, key := range d.Indexes(op.Collection) {
		covered := 0
		for _, f := range key {
			kind, ok := op.Predicates[f]
			if !ok || kind == proto.PredicateRegex {
				break
			}
			covered++
			if kind == proto.PredicateRange {
				break
			}
		}
		if covered == 0 {
			continue
		}
		if best == nil || covered > best.covered || (covered == best.covered && len(key) < len(best.key)) {
			best = &indexChoice{key: key, covered: covered}
		}
	}
	h.bestIndex[hash] = best
	if best == nil {
		return nil, 0
	}
	return best.key, best.covered
}

// FieldOf resolves a field of col, following one level of an embedded
// collection for dotted names.
func (s *State) FieldOf(col, name string) *proto.Field {
	if c := s.catalog.Get(col); c != nil {
		if f := c.Field(name); f != nil {
			return f
		}
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if c := s.catalog.Get(name[:i]); c != nil {
			return c.Field(name[i+1:])
		}
	}
	return nil
}

// effectiveCollections copies the catalog and grows every parent by the
// data of the collections embedded into it. The catalog is never modified.
func (s *State) effectiveCollections(d *design.Design) map[string]*proto.Collection {
	ret := make(map[string]*proto.Collection, len(s.catalog))
	for name, c := range s.catalog {
		cp := *c
		ret[name] = &cp
	}

	var children []string
	for _, col := range d.Collections() {
		if d.IsDenormalized(col) {
			children = append(children, col)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		return d.DenormalizationDepth(children[i]) > d.DenormalizationDepth(children[j])
	})
	for _, child := range children {
		c, p := ret[child], ret[d.Parent(child)]
		if c == nil || p == nil {
			continue
		}
		if p.DocCount > 0 {
			p.AvgDocSize += c.DataSize() / float64(p.DocCount)
		}
		if p.PageCount > 0 {
			p.PageCount += c.Pages(s.cfg.PageSize)
		}
	}
	return ret
}
