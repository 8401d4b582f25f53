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

import "encoding/json"

// Record is the persisted form of one collection's decisions.
type Record struct {
	Collection string `json:"collection"`
	ShardKey   Key    `json:"shardKey"`
	Indexes    []Key  `json:"indexes"`
	Denorm     string `json:"denorm,omitempty"`
}

func (d *Design) Records() []Record {
	names := d.Collections()
	ret := make([]Record, 0, len(names))
	for _, name := range names {
		c := d.collections[name]
		r := Record{
			Collection: name,
			ShardKey:   c.shardKey.Copy(),
			Indexes:    d.Indexes(name),
			Denorm:     c.denorm,
		}
		if r.ShardKey == nil {
			r.ShardKey = Key{}
		}
		if r.Indexes == nil {
			r.Indexes = []Key{}
		}
		ret = append(ret, r)
	}
	return ret
}

// FromRecords rebuilds a design. Parents are applied after every collection
// is present so the record order does not matter.
func FromRecords(records []Record) (*Design, error) {
	d := New()
	for _, r := range records {
		d.AddCollection(r.Collection)
	}
	for _, r := range records {
		if err := d.AddShardKey(r.Collection, r.ShardKey); err != nil {
			return nil, err
		}
		if err := d.AddIndexes(r.Collection, r.Indexes...); err != nil {
			return nil, err
		}
	}
	for _, r := range records {
		if err := d.SetDenormalizationParent(r.Collection, r.Denorm); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Design) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Records())
}

func (d *Design) UnmarshalJSON(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	n, err := FromRecords(records)
	if err != nil {
		return err
	}
	d.collections = n.collections
	return nil
}
