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

package design

import (
	"fmt"
	"sort"
	"strings"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
)

// Key is an ordered tuple of field names used as a shard key or index key.
type Key []string

func (k Key) String() string {
	return "(" + strings.Join(k, ",") + ")"
}

func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p is a leading prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	return Key(k[:len(p)]).Equal(p)
}

func (k Key) Contains(field string) bool {
	for _, f := range k {
		if f == field {
			return true
		}
	}
	return false
}

func (k Key) Copy() Key {
	if len(k) == 0 {
		return nil
	}
	return append(Key(nil), k...)
}

type collectionDesign struct {
	shardKey Key
	indexes  []Key
	denorm   string
}

func (c *collectionDesign) copy() *collectionDesign {
	n := &collectionDesign{
		shardKey: c.shardKey.Copy(),
		denorm:   c.denorm,
	}
	if len(c.indexes) > 0 {
		n.indexes = make([]Key, len(c.indexes))
		for i := range c.indexes {
			n.indexes[i] = c.indexes[i].Copy()
		}
	}
	return n
}

func (c *collectionDesign) equal(o *collectionDesign) bool {
	if c.denorm != o.denorm || !c.shardKey.Equal(o.shardKey) || len(c.indexes) != len(o.indexes) {
		return false
	}
	for i := range c.indexes {
		if !c.indexes[i].Equal(o.indexes[i]) {
			return false
		}
	}
	return true
}

// Design is a candidate physical design: per collection at most one shard
// key, any number of indexes and an optional denormalization parent.
// A Design is not safe for concurrent mutation; search branches work on
// their own Copy.
type Design struct {
	collections map[string]*collectionDesign
	candidates  *Candidates
}

func New() *Design {
	return &Design{collections: make(map[string]*collectionDesign)}
}

// NewWithCandidates returns a design whose mutations are checked against c.
func NewWithCandidates(c *Candidates) *Design {
	d := New()
	d.candidates = c
	return d
}

func (d *Design) Candidates() *Candidates {
	return d.candidates
}

// AddCollection adds an undecided collection; adding it twice is a no-op.
func (d *Design) AddCollection(name string) {
	if _, ok := d.collections[name]; ok {
		return
	}
	d.collections[name] = &collectionDesign{}
}

func (d *Design) AddCollections(names ...string) {
	for _, name := range names {
		d.AddCollection(name)
	}
}

func (d *Design) RemoveCollection(name string) {
	delete(d.collections, name)
}

func (d *Design) HasCollection(name string) bool {
	_, ok := d.collections[name]
	return ok
}

// Collections returns the participating collection names sorted.
func (d *Design) Collections() []string {
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Design) Len() int {
	return len(d.collections)
}

func (d *Design) get(col string) (*collectionDesign, error) {
	c, ok := d.collections[col]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", col, apierrors.ErrCollectionNotInDesign)
	}
	return c, nil
}

// AddShardKey sets the shard key of col, an empty key leaves it unsharded.
func (d *Design) AddShardKey(col string, key Key) error {
	c, err := d.get(col)
	if err != nil {
		return err
	}
	if len(key) > 0 && d.candidates != nil && !d.candidates.HasShardKey(col, key) {
		return fmt.Errorf("shard key %s of %s: %w", key, col, apierrors.ErrInvalidCandidate)
	}
	c.shardKey = key.Copy()
	return nil
}

func (d *Design) AddShardKeys(keys map[string]Key) error {
	for col, key := range keys {
		if err := d.AddShardKey(col, key); err != nil {
			return err
		}
	}
	return nil
}

// AddIndex appends an index to col, an index already present is ignored.
func (d *Design) AddIndex(col string, key Key) error {
	c, err := d.get(col)
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("empty index on %s: %w", col, apierrors.ErrInvalidDesign)
	}
	if d.candidates != nil && !d.candidates.HasIndexKey(col, key) {
		return fmt.Errorf("index %s of %s: %w", key, col, apierrors.ErrInvalidCandidate)
	}
	for _, idx := range c.indexes {
		if idx.Equal(key) {
			return nil
		}
	}
	c.indexes = append(c.indexes, key.Copy())
	return nil
}

func (d *Design) AddIndexes(col string, keys ...Key) error {
	for _, key := range keys {
		if err := d.AddIndex(col, key); err != nil {
			return err
		}
	}
	return nil
}

// ClearIndexes drops every index of col.
func (d *Design) ClearIndexes(col string) error {
	c, err := d.get(col)
	if err != nil {
		return err
	}
	c.indexes = nil
	return nil
}

// SetDenormalizationParent embeds col into parent, an empty parent undoes the
// embedding. It fails with ErrCycle when col would become its own ancestor.
func (d *Design) SetDenormalizationParent(col, parent string) error {
	c, err := d.get(col)
	if err != nil {
		return err
	}
	if parent == "" {
		c.denorm = ""
		return nil
	}
	if d.candidates != nil && !d.candidates.HasDenorm(col, parent) {
		return fmt.Errorf("parent %s of %s: %w", parent, col, apierrors.ErrInvalidCandidate)
	}
	if d.createsCycle(col, parent) {
		return fmt.Errorf("%s -> %s: %w", col, parent, apierrors.ErrCycle)
	}
	c.denorm = parent
	return nil
}

// CreatesCycle reports whether embedding col into parent would close a cycle.
func (d *Design) CreatesCycle(col, parent string) bool {
	return d.createsCycle(col, parent)
}

func (d *Design) createsCycle(col, parent string) bool {
	visiting := map[string]struct{}{col: {}}
	for cur := parent; cur != ""; {
		if _, ok := visiting[cur]; ok {
			return true
		}
		visiting[cur] = struct{}{}
		next, ok := d.collections[cur]
		if !ok {
			return false
		}
		cur = next.denorm
	}
	return false
}

func (d *Design) ShardKey(col string) Key {
	if c, ok := d.collections[col]; ok {
		return c.shardKey.Copy()
	}
	return nil
}

func (d *Design) IsSharded(col string) bool {
	c, ok := d.collections[col]
	return ok && len(c.shardKey) > 0
}

func (d *Design) Indexes(col string) []Key {
	c, ok := d.collections[col]
	if !ok || len(c.indexes) == 0 {
		return nil
	}
	ret := make([]Key, len(c.indexes))
	for i := range c.indexes {
		ret[i] = c.indexes[i].Copy()
	}
	return ret
}

func (d *Design) Parent(col string) string {
	if c, ok := d.collections[col]; ok {
		return c.denorm
	}
	return ""
}

func (d *Design) IsDenormalized(col string) bool {
	return d.Parent(col) != ""
}

// DenormalizationHierarchy returns the ancestors of col, nearest first.
func (d *Design) DenormalizationHierarchy(col string) []string {
	var ret []string
	seen := map[string]struct{}{col: {}}
	for cur := d.Parent(col); cur != ""; cur = d.Parent(cur) {
		if _, ok := seen[cur]; ok {
			break
		}
		seen[cur] = struct{}{}
		ret = append(ret, cur)
	}
	return ret
}

// DenormalizationDepth is the number of ancestors of col.
func (d *Design) DenormalizationDepth(col string) int {
	return len(d.DenormalizationHierarchy(col))
}

// Root returns the outermost ancestor of col, or col itself.
func (d *Design) Root(col string) string {
	h := d.DenormalizationHierarchy(col)
	if len(h) == 0 {
		return col
	}
	return h[len(h)-1]
}

// DenormalizationSignature identifies the embedding relationships of the
// design, two designs with the same signature combine the workload alike.
func (d *Design) DenormalizationSignature() string {
	var b strings.Builder
	for _, name := range d.Collections() {
		if p := d.collections[name].denorm; p != "" {
			b.WriteString(name)
			b.WriteString(">")
			b.WriteString(p)
			b.WriteString(";")
		}
	}
	return b.String()
}

// Copy returns a deep clone sharing only the read-only candidates.
func (d *Design) Copy() *Design {
	n := &Design{
		collections: make(map[string]*collectionDesign, len(d.collections)),
		candidates:  d.candidates,
	}
	for name, c := range d.collections {
		n.collections[name] = c.copy()
	}
	return n
}

func (d *Design) Equal(o *Design) bool {
	if o == nil || len(d.collections) != len(o.collections) {
		return false
	}
	for name, c := range d.collections {
		oc, ok := o.collections[name]
		if !ok || !c.equal(oc) {
			return false
		}
	}
	return true
}

// Delta returns the sorted collections whose decisions differ between d and
// o, including collections present in only one of them.
func (d *Design) Delta(o *Design) []string {
	var ret []string
	for name, c := range d.collections {
		if o == nil {
			ret = append(ret, name)
			continue
		}
		oc, ok := o.collections[name]
		if !ok || !c.equal(oc) {
			ret = append(ret, name)
		}
	}
	if o != nil {
		for name := range o.collections {
			if _, ok := d.collections[name]; !ok {
				ret = append(ret, name)
			}
		}
	}
	sort.Strings(ret)
	return ret
}

// LoadOrder returns the collections so that every parent precedes the
// collections embedded into it.
func (d *Design) LoadOrder() ([]string, error) {
	pending := d.Collections()
	loaded := make(map[string]struct{}, len(pending))
	ret := make([]string, 0, len(pending))
	for len(pending) > 0 {
		var rest []string
		for _, name := range pending {
			parent := d.collections[name].denorm
			if _, ok := loaded[parent]; parent == "" || ok {
				loaded[name] = struct{}{}
				ret = append(ret, name)
				continue
			}
			rest = append(rest, name)
		}
		if len(rest) == len(pending) {
			return nil, fmt.Errorf("unresolved collections %v: %w", rest, apierrors.ErrLoadingDeadlock)
		}
		pending = rest
	}
	return ret, nil
}

func (d *Design) String() string {
	var b strings.Builder
	for _, name := range d.Collections() {
		c := d.collections[name]
		fmt.Fprintf(&b, "%s{shard:%s indexes:%v denorm:%q} ", name, c.shardKey, c.indexes, c.denorm)
	}
	return strings.TrimSpace(b.String())
}
