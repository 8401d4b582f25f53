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
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

// CollectionCandidates holds the legal options of one collection. Not being
// embedded is always legal and is not listed in Denorm.
type CollectionCandidates struct {
	ShardKeys []Key    `json:"shard_keys"`
	IndexKeys []Key    `json:"index_keys"`
	Denorm    []string `json:"denorm"`
}

// Candidates defines the search space.
type Candidates struct {
	collections map[string]*CollectionCandidates
}

func NewCandidates() *Candidates {
	return &Candidates{collections: make(map[string]*CollectionCandidates)}
}

func (c *Candidates) AddCollection(col string, indexKeys, shardKeys []Key, denorm []string) {
	cc := &CollectionCandidates{}
	for _, k := range indexKeys {
		cc.IndexKeys = appendKey(cc.IndexKeys, k)
	}
	for _, k := range shardKeys {
		cc.ShardKeys = appendKey(cc.ShardKeys, k)
	}
	seen := make(map[string]struct{})
	for _, p := range denorm {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		cc.Denorm = append(cc.Denorm, p)
	}
	c.collections[col] = cc
}

func appendKey(keys []Key, k Key) []Key {
	if len(k) == 0 {
		return keys
	}
	for _, e := range keys {
		if e.Equal(k) {
			return keys
		}
	}
	return append(keys, k.Copy())
}

func (c *Candidates) Get(col string) *CollectionCandidates {
	return c.collections[col]
}

func (c *Candidates) Collections() []string {
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Candidates) HasShardKey(col string, key Key) bool {
	cc := c.collections[col]
	if cc == nil {
		return false
	}
	for _, k := range cc.ShardKeys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

func (c *Candidates) HasIndexKey(col string, key Key) bool {
	cc := c.collections[col]
	if cc == nil {
		return false
	}
	for _, k := range cc.IndexKeys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

func (c *Candidates) HasDenorm(col, parent string) bool {
	cc := c.collections[col]
	if cc == nil {
		return false
	}
	for _, p := range cc.Denorm {
		if p == parent {
			return true
		}
	}
	return false
}

// ShardKeyOptions lists the shard keys to branch on. A collection without
// shard key candidates has the single option of staying unsharded.
func (c *Candidates) ShardKeyOptions(col string) []Key {
	cc := c.collections[col]
	if cc == nil || len(cc.ShardKeys) == 0 {
		return []Key{nil}
	}
	return cc.ShardKeys
}

// DenormOptions lists the parents to branch on, "" (not embedded) first.
func (c *Candidates) DenormOptions(col string) []string {
	ret := []string{""}
	if cc := c.collections[col]; cc != nil {
		ret = append(ret, cc.Denorm...)
	}
	return ret
}

func (c *Candidates) IndexKeys(col string) []Key {
	if cc := c.collections[col]; cc != nil {
		return cc.IndexKeys
	}
	return nil
}

// Validate checks every candidate key against the catalog. A field named
// "child.field" is accepted on a collection when child may be embedded into
// it and owns field.
func (c *Candidates) Validate(catalog proto.Catalog) error {
	for _, name := range c.Collections() {
		col := catalog.Get(name)
		if col == nil {
			return fmt.Errorf("candidates for %s: %w", name, apierrors.ErrUnknownCollection)
		}
		cc := c.collections[name]
		for _, keys := range [][]Key{cc.ShardKeys, cc.IndexKeys} {
			for _, k := range keys {
				for _, f := range k {
					if !c.hasField(catalog, name, f) {
						return fmt.Errorf("key %s of %s references %s: %w", k, name, f, apierrors.ErrUnknownField)
					}
				}
			}
		}
		for _, p := range cc.Denorm {
			if p == name {
				return fmt.Errorf("%s embedded into itself: %w", name, apierrors.ErrCycle)
			}
			if catalog.Get(p) == nil {
				return fmt.Errorf("denorm parent %s of %s: %w", p, name, apierrors.ErrUnknownCollection)
			}
		}
	}
	return nil
}

func (c *Candidates) hasField(catalog proto.Catalog, col, field string) bool {
	meta := catalog.Get(col)
	if meta == nil {
		return false
	}
	if meta.HasField(field) {
		return true
	}
	child, rest, ok := strings.Cut(field, ".")
	if !ok || !c.HasDenorm(child, col) {
		return false
	}
	return c.hasField(catalog, child, rest)
}
