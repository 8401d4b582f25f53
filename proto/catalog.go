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

package proto

import (
	"math"
	"sort"
)

// Field is the per-field statistics of a collection. Selectivity is the
// fraction of distinct values over the document count.
type Field struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	AvgSize     float64 `json:"avg_size"`
	Cardinality int64   `json:"cardinality"`
	Selectivity float64 `json:"selectivity"`
	Interesting bool    `json:"interesting"`

	// foreign key reference, used to propose denormalization parents
	ParentCollection string `json:"parent_collection,omitempty"`
	ParentKey        string `json:"parent_key,omitempty"`
}

// HasStatistics reports whether the statistics gatherer ever filled the field.
func (f *Field) HasStatistics() bool {
	return f.Cardinality > 0 || f.Selectivity > 0
}

type Collection struct {
	Name       string   `json:"name"`
	Fields     []*Field `json:"fields"`
	DocCount   int64    `json:"doc_count"`
	AvgDocSize float64  `json:"avg_doc_size"`
	// PageCount is an optional precomputed estimate, derived from the
	// document count and size when zero.
	PageCount int64 `json:"page_count,omitempty"`
}

func (c *Collection) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (c *Collection) HasField(name string) bool {
	return c.Field(name) != nil
}

// InterestingFields returns the names of fields referenced by queries, in
// declaration order.
func (c *Collection) InterestingFields() []string {
	var ret []string
	for _, f := range c.Fields {
		if f.Interesting {
			ret = append(ret, f.Name)
		}
	}
	return ret
}

func (c *Collection) DataSize() float64 {
	return float64(c.DocCount) * c.AvgDocSize
}

func (c *Collection) Pages(pageSize int64) int64 {
	if c.PageCount > 0 {
		return c.PageCount
	}
	return PagesFor(c.DataSize(), pageSize)
}

// PagesFor returns the number of pages needed to hold size bytes, never less
// than one.
func PagesFor(size float64, pageSize int64) int64 {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pages := int64(math.Ceil(size / float64(pageSize)))
	if pages < 1 {
		return 1
	}
	return pages
}

// Catalog maps collection names to their metadata. It is read-only while a
// search is running.
type Catalog map[string]*Collection

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Catalog) Get(name string) *Collection {
	return c[name]
}
