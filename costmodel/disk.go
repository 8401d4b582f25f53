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
	"math"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

// DiskCost estimates the pages read and written by the workload relative to
// a design where every read is a full collection scan. Index lookups go
// through a simulated LRU page buffer per collection; full scans bypass it.
type DiskCost struct {
	state *State
}

func NewDiskCost(state *State) *DiskCost {
	return &DiskCost{state: state}
}

func (c *DiskCost) Name() string { return "disk" }

func (c *DiskCost) Cost(ctx context.Context, d *design.Design) (float64, error) {
	c.resetBuffers(d)

	var cost, worst float64
	for _, sess := range c.state.Workload() {
		for _, op := range sess.Operations {
			if c.state.skip(d, op) {
				continue
			}
			col := c.state.Collection(op.Collection)
			if col == nil {
				continue
			}
			oc, ow, err := c.opCost(d, col, op)
			if err != nil {
				return 0, err
			}
			cost += oc
			worst += ow
		}
	}
	return ratio(cost, worst), nil
}

// lowerBound charges the operations of open collections nothing and their
// largest possible size as worst case. Every other operation keeps its page
// misses: its access sequence is fixed and its buffer can only shrink once
// the open collections get their indexes.
func (c *DiskCost) lowerBound(ctx context.Context, d *design.Design, open *openSet) (float64, error) {
	c.resetBuffers(d)

	var cost, worst float64
	for _, sess := range c.state.Workload() {
		for _, op := range sess.Operations {
			pending := open.isPending(op.Collection)
			if !pending && c.state.skip(d, op) {
				continue
			}
			col := c.state.Collection(op.Collection)
			if col == nil {
				continue
			}
			if !open.isAffected(op.Collection) {
				oc, ow, err := c.opCost(d, col, op)
				if err != nil {
					return 0, err
				}
				cost += oc
				worst += ow
				continue
			}
			if op.Type == proto.OpInsert {
				worst++
			} else {
				worst += float64(col.Pages(c.state.cfg.PageSize) + open.extraPages)
			}
			if pending {
				continue
			}
			if op.Type == proto.OpInsert {
				cost++
			}
			if op.Type.IsWrite() {
				cost += writePenalty(d.Indexes(op.Collection))
			}
		}
	}
	return ratio(cost, worst), nil
}

// opCost returns the pages op costs and the pages it costs at worst.
func (c *DiskCost) opCost(d *design.Design, col *proto.Collection, op *proto.Operation) (float64, float64, error) {
	var cost, worst float64
	if op.Type == proto.OpInsert {
		cost, worst = 1, 1
	} else {
		pages := float64(col.Pages(c.state.cfg.PageSize))
		pc, err := c.readCost(d, col, op, pages)
		if err != nil {
			return 0, 0, err
		}
		cost, worst = pc, pages
	}
	if op.Type.IsWrite() {
		cost += writePenalty(d.Indexes(op.Collection))
	}
	return cost, worst, nil
}

func ratio(cost, worst float64) float64 {
	if worst == 0 {
		return 0
	}
	return math.Min(1, cost/worst)
}

func (c *DiskCost) Reset() {}

// readCost returns the pages a query, update or delete reads.
func (c *DiskCost) readCost(d *design.Design, col *proto.Collection, op *proto.Operation, pages float64) (float64, error) {
	if c.state.IsRegex(op) {
		return pages, nil
	}
	key, covered := c.state.BestIndex(d, op)
	if key == nil {
		return pages, nil
	}

	frac := 1.0
	for _, f := range key[:covered] {
		ff, err := c.matchFraction(op.Collection, f, op.Predicates[f])
		if err != nil {
			return 0, err
		}
		frac *= ff
	}
	matched := int64(math.Ceil(frac * float64(col.DocCount)))
	if matched < 1 {
		matched = 1
	}

	cfg := c.state.cfg
	entrySize := c.entrySize(op.Collection, key)
	indexPages := proto.PagesFor(float64(col.DocCount)*entrySize, cfg.PageSize)
	fanout := int64(float64(cfg.PageSize) / entrySize)
	if fanout < 2 {
		fanout = 2
	}
	height := 1
	for span := indexPages; span > 1; span = (span + fanout - 1) / fanout {
		height++
	}

	var h uint64
	for _, f := range key[:covered] {
		if v, ok := op.Value(f); ok {
			h = h*31 + proto.ValueHash(v)
		}
	}

	handle := c.state.Handle(op.Collection)
	name := key.String()
	misses := 0.0

	leaf := int64(h % uint64(indexPages))
	leafSpan := proto.PagesFor(float64(matched)*entrySize, cfg.PageSize)
	if leafSpan > indexPages {
		leafSpan = indexPages
	}
	for i := int64(0); i < leafSpan; i++ {
		if handle.touch(pageKey{index: name, page: (leaf + i) % indexPages}) {
			misses++
		}
	}
	p := leaf
	for lvl := 1; lvl < height; lvl++ {
		p /= fanout
		if handle.touch(pageKey{index: name, level: lvl, page: p}) {
			misses++
		}
	}

	docPages := int64(pages)
	if matched < docPages {
		docPages = matched
	}
	first := int64(h % uint64(int64(pages)))
	for i := int64(0); i < docPages; i++ {
		if handle.touch(pageKey{page: (first + i) % int64(pages)}) {
			misses++
		}
	}
	return math.Min(misses, pages), nil
}

// matchFraction is the share of documents a predicate on field keeps.
func (c *DiskCost) matchFraction(col, field string, kind proto.PredicateKind) (float64, error) {
	f := c.state.FieldOf(col, field)
	if f == nil || !f.HasStatistics() {
		return 0, fmt.Errorf("field %s.%s: %w", col, field, apierrors.ErrMissingStatistics)
	}
	if kind == proto.PredicateEquality && f.Cardinality > 0 {
		return 1 / float64(f.Cardinality), nil
	}
	if f.Selectivity > 0 {
		return math.Min(1, f.Selectivity), nil
	}
	return 1, nil
}

func (c *DiskCost) entrySize(col string, key design.Key) float64 {
	size := float64(c.state.cfg.AddressSize)
	for _, name := range key {
		if f := c.state.FieldOf(col, name); f != nil {
			size += f.AvgSize
		}
	}
	return size
}

func (c *DiskCost) indexPages(col *proto.Collection, key design.Key) int64 {
	return proto.PagesFor(float64(col.DocCount)*c.entrySize(col.Name, key), c.state.cfg.PageSize)
}

// resetBuffers sizes the page buffer of every collection by its share of the
// data and index pages, out of max_memory. A window size caps the buffer.
func (c *DiskCost) resetBuffers(d *design.Design) {
	cfg := c.state.cfg
	footprint := make(map[string]int64)
	var total int64
	for _, name := range c.state.catalog.Names() {
		col := c.state.Collection(name)
		n := col.Pages(cfg.PageSize)
		for _, key := range d.Indexes(name) {
			n += c.indexPages(col, key)
		}
		footprint[name] = n
		total += n
	}
	slots := float64(cfg.MaxMemory / cfg.PageSize)
	for name, n := range footprint {
		capacity := int(slots * float64(n) / float64(total))
		if cfg.WindowSize > 0 && capacity > cfg.WindowSize {
			capacity = cfg.WindowSize
		}
		c.state.Handle(name).resetBuffer(capacity)
	}
}

// writePenalty charges one page per indexed field for every write, so two
// single field indexes cost the same as one compound index over both fields.
func writePenalty(indexes []design.Key) float64 {
	var n int
	for _, key := range indexes {
		n += len(key)
	}
	return float64(n)
}
