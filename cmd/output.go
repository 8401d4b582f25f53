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

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/cmu-db/mongodb-d4-sub001/design"
	"github.com/cmu-db/mongodb-d4-sub001/designer"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

func writeResult(w io.Writer, catalog proto.Catalog, ret *designer.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"collection", "docs", "size", "shard key", "indexes", "embedded in"})
	for _, name := range ret.Best.Collections() {
		var docs, size string
		if col := catalog.Get(name); col != nil {
			docs = humanize.Comma(col.DocCount)
			size = humanize.IBytes(uint64(col.DataSize()))
		}
		t.AppendRow(table.Row{
			name, docs, size,
			ret.Best.ShardKey(name).String(),
			formatKeys(ret.Best.Indexes(name)),
			ret.Best.Parent(name),
		})
	}
	t.Render()
	fmt.Fprintln(w)

	s := table.NewWriter()
	s.SetOutputMirror(w)
	s.Style().Format.Header = text.FormatDefault
	s.AppendHeader(table.Row{"metric", "value"})
	s.AppendRow(table.Row{"initial cost", fmt.Sprintf("%.6f", ret.InitialCost)})
	s.AppendRow(table.Row{"best cost", fmt.Sprintf("%.6f", ret.Cost)})
	components := make([]string, 0, len(ret.Breakdown))
	for name := range ret.Breakdown {
		components = append(components, name)
	}
	sort.Strings(components)
	for _, name := range components {
		s.AppendRow(table.Row{name + " cost", fmt.Sprintf("%.6f", ret.Breakdown[name])})
	}
	for _, r := range ret.Workers {
		s.AppendRow(table.Row{"worker " + r.ID, fmt.Sprintf("%.6f", r.Cost)})
	}
	s.AppendRow(table.Row{"elapsed", ret.Elapsed.String()})
	s.Render()
}

func formatKeys(keys []design.Key) string {
	ss := make([]string, 0, len(keys))
	for _, k := range keys {
		ss = append(ss, k.String())
	}
	return strings.Join(ss, " ")
}
