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
	"math"

	"github.com/cmu-db/mongodb-d4-sub001/design"
)

// SkewCost measures how unevenly the operations spread over the nodes. The
// workload is cut into equal time intervals, each interval is scored by the
// normalized standard deviation of its per node load and the scores of the
// non-empty intervals are averaged.
type SkewCost struct {
	state     *State
	nodes     int
	intervals int
}

func NewSkewCost(state *State) *SkewCost {
	return &SkewCost{state: state, nodes: state.cfg.Nodes, intervals: state.cfg.SkewIntervals}
}

func (c *SkewCost) Name() string { return "skew" }

func (c *SkewCost) Cost(ctx context.Context, d *design.Design) (float64, error) {
	if c.nodes <= 1 {
		return 0, nil
	}
	w := c.state.Workload()
	start, end := w.TimeRange()
	width := (end - start) / float64(c.intervals)

	load := make([][]float64, c.intervals)
	for _, sess := range w {
		for _, op := range sess.Operations {
			if c.state.skip(d, op) {
				continue
			}
			nodes, err := c.state.Nodes(d, op)
			if err != nil {
				return 0, err
			}
			b := 0
			if width > 0 {
				b = int((sess.OpTime(op) - start) / width)
				if b >= c.intervals {
					b = c.intervals - 1
				}
			}
			if load[b] == nil {
				load[b] = make([]float64, c.nodes)
			}
			for _, n := range nodes {
				load[b][n]++
			}
		}
	}

	var sum float64
	var buckets int
	for _, counts := range load {
		if counts == nil {
			continue
		}
		sum += c.intervalSkew(counts)
		buckets++
	}
	if buckets == 0 {
		return 0, nil
	}
	return sum / float64(buckets), nil
}

// intervalSkew is 0 for a perfectly even load and 1 when one node serves
// everything.
func (c *SkewCost) intervalSkew(counts []float64) float64 {
	var total float64
	for _, v := range counts {
		total += v
	}
	if total == 0 {
		return 0
	}
	n := float64(len(counts))
	mean := total / n
	var variance float64
	for _, v := range counts {
		variance += (v - mean) * (v - mean)
	}
	variance /= n
	max := (n - 1) * mean * mean
	if max == 0 {
		return 0
	}
	return math.Min(1, math.Sqrt(variance/max))
}

func (c *SkewCost) Reset() {}
