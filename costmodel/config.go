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
	"fmt"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/proto"
)

const (
	defaultNodeMemory    = int64(1 << 30)
	defaultSkewIntervals = 10
)

type Config struct {
	WeightNetwork float64 `json:"weight_network"`
	WeightDisk    float64 `json:"weight_disk"`
	WeightSkew    float64 `json:"weight_skew"`

	Nodes         int   `json:"nodes"`
	MaxMemory     int64 `json:"max_memory"`
	NodeMemory    int64 `json:"node_memory"`
	SkewIntervals int   `json:"skew_intervals"`
	AddressSize   int64 `json:"address_size"`
	WindowSize    int   `json:"window_size"`
	PageSize      int64 `json:"page_size"`

	// CostUndecidedCollections makes every component cost operations on
	// collections missing from the design as if they were unsharded and
	// unindexed. By default those operations are skipped, which is what
	// large neighborhood search relies on while a subset is relaxed.
	CostUndecidedCollections bool `json:"cost_undecided_collections"`
}

// DefaultConfig weighs every component 1.0. Config files are loaded over
// it, so a weight left out of the file keeps its default.
func DefaultConfig() Config {
	return Config{WeightNetwork: 1.0, WeightDisk: 1.0, WeightSkew: 1.0}
}

// FillDefault validates the config and fills the unset options. A config
// with every weight zero weighs every component 1.0.
func (cfg *Config) FillDefault() error {
	if cfg.WeightNetwork < 0 || cfg.WeightDisk < 0 || cfg.WeightSkew < 0 {
		return fmt.Errorf("negative cost weight: %w", apierrors.ErrInvalidConfig)
	}
	if cfg.WeightNetwork == 0 && cfg.WeightDisk == 0 && cfg.WeightSkew == 0 {
		cfg.WeightNetwork, cfg.WeightDisk, cfg.WeightSkew = 1.0, 1.0, 1.0
	}
	if cfg.Nodes < 0 || cfg.SkewIntervals < 0 || cfg.WindowSize < 0 {
		return fmt.Errorf("negative nodes, skew intervals or window size: %w", apierrors.ErrInvalidConfig)
	}
	if cfg.Nodes == 0 {
		cfg.Nodes = proto.DefaultNodes
	}
	if cfg.NodeMemory <= 0 {
		cfg.NodeMemory = defaultNodeMemory
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = cfg.NodeMemory * int64(cfg.Nodes)
	}
	if cfg.SkewIntervals == 0 {
		cfg.SkewIntervals = defaultSkewIntervals
	}
	if cfg.AddressSize <= 0 {
		cfg.AddressSize = proto.DefaultAddressSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = proto.DefaultPageSize
	}
	return nil
}

func (cfg *Config) totalWeight() float64 {
	return cfg.WeightNetwork + cfg.WeightDisk + cfg.WeightSkew
}
