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
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
)

type OpType uint8

const (
	OpQuery OpType = iota + 1
	OpInsert
	OpUpdate
	OpDelete
)

var opTypeNames = map[OpType]string{
	OpQuery:  "query",
	OpInsert: "insert",
	OpUpdate: "update",
	OpDelete: "delete",
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

func (t OpType) IsWrite() bool {
	return t == OpInsert || t == OpUpdate || t == OpDelete
}

func (t OpType) MarshalText() ([]byte, error) {
	if _, ok := opTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown op type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *OpType) UnmarshalText(b []byte) error {
	for k, v := range opTypeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown op type %q", string(b))
}

type PredicateKind uint8

const (
	PredicateEquality PredicateKind = iota + 1
	PredicateRange
	PredicateRegex
)

var predicateNames = map[PredicateKind]string{
	PredicateEquality: "eq",
	PredicateRange:    "range",
	PredicateRegex:    "regex",
}

func (k PredicateKind) String() string {
	if name, ok := predicateNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PredicateKind(%d)", uint8(k))
}

func (k PredicateKind) MarshalText() ([]byte, error) {
	if _, ok := predicateNames[k]; !ok {
		return nil, fmt.Errorf("unknown predicate kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *PredicateKind) UnmarshalText(b []byte) error {
	for kind, name := range predicateNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown predicate kind %q", string(b))
}

// Document is a decoded query or response payload.
type Document map[string]interface{}

// Lookup resolves a dotted path inside the document.
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		var m map[string]interface{}
		switch v := cur.(type) {
		case map[string]interface{}:
			m = v
		case Document:
			m = v
		default:
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

type Operation struct {
	ID         QueryID                  `json:"query_id"`
	Collection string                   `json:"collection"`
	Type       OpType                   `json:"type"`
	Predicates map[string]PredicateKind `json:"predicates,omitempty"`
	Content    []Document               `json:"query_content,omitempty"`
	Response   []Document               `json:"resp_content,omitempty"`
	// Timestamp is the query time in seconds; zero means unknown.
	Timestamp float64 `json:"query_time,omitempty"`
}

// Value returns the first non-nil value of field found in the query content.
func (op *Operation) Value(field string) (interface{}, bool) {
	for _, doc := range op.Content {
		if v, ok := doc.Lookup(field); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// PredicateFields returns the predicated field names sorted.
func (op *Operation) PredicateFields() []string {
	fields := make([]string, 0, len(op.Predicates))
	for f := range op.Predicates {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Hash is computed from the shape of the operation, never from the values,
// so structurally identical operations collapse to the same key.
func (op *Operation) Hash() QueryHash {
	h := xxhash.New()
	h.Write([]byte(op.Collection))
	h.Write([]byte{0, byte(op.Type)})
	for _, f := range op.PredicateFields() {
		h.Write([]byte(f))
		h.Write([]byte{0, byte(op.Predicates[f])})
	}
	return h.Sum64()
}

// Copy returns a shallow copy with its own predicate map and content slice;
// the documents themselves are shared.
func (op *Operation) Copy() *Operation {
	n := *op
	n.Predicates = make(map[string]PredicateKind, len(op.Predicates))
	for k, v := range op.Predicates {
		n.Predicates[k] = v
	}
	n.Content = append([]Document(nil), op.Content...)
	n.Response = append([]Document(nil), op.Response...)
	return &n
}

// ValueHash hashes an arbitrary predicate value, used to place a key on a node.
func ValueHash(v interface{}) uint64 {
	switch val := v.(type) {
	case string:
		return xxhash.Sum64String(val)
	case int:
		return hashUint64(uint64(val))
	case int64:
		return hashUint64(uint64(val))
	case uint64:
		return hashUint64(val)
	case float64:
		if val == float64(int64(val)) {
			return hashUint64(uint64(int64(val)))
		}
	}
	return xxhash.Sum64String(fmt.Sprintf("%v", v))
}

func hashUint64(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

type Session struct {
	ID         SessionID    `json:"session_id"`
	ClientIP   string       `json:"ip_client"`
	ServerIP   string       `json:"ip_server"`
	StartTime  float64      `json:"start_time"`
	EndTime    float64      `json:"end_time"`
	Operations []*Operation `json:"operations"`
}

// OpTime returns the time used to place op in a skew interval.
func (s *Session) OpTime(op *Operation) float64 {
	if op.Timestamp > 0 {
		return op.Timestamp
	}
	return s.StartTime
}

type Workload []*Session

func (w Workload) OpCount() int {
	n := 0
	for _, sess := range w {
		n += len(sess.Operations)
	}
	return n
}

// CollectionOpCount counts the operations against col.
func (w Workload) CollectionOpCount(col string) int {
	n := 0
	for _, sess := range w {
		for _, op := range sess.Operations {
			if op.Collection == col {
				n++
			}
		}
	}
	return n
}

// TimeRange returns the earliest and latest operation times.
func (w Workload) TimeRange() (start, end float64) {
	first := true
	for _, sess := range w {
		for _, op := range sess.Operations {
			t := sess.OpTime(op)
			if first {
				start, end = t, t
				first = false
				continue
			}
			if t < start {
				start = t
			}
			if t > end {
				end = t
			}
		}
	}
	return
}
