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

package search

import (
	"fmt"
	"time"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
)

const (
	defaultMaxIndexWidth           = 2
	defaultMaxIndexesPerCollection = 2
	defaultTimeBudget              = 60 * time.Second
	defaultRoundTimeout            = 5 * time.Second
	defaultRelaxSize               = 1
	defaultRelaxIncreaseAfter      = 5
)

// Initial design strategies.
const (
	InitialHeuristic = "heuristic"
	InitialRandom    = "random"
)

type CandidateConfig struct {
	EnableSharding        bool `json:"enable_sharding"`
	EnableIndexes         bool `json:"enable_indexes"`
	EnableDenormalization bool `json:"enable_denormalization"`
	MaxIndexWidth         int  `json:"max_index_width"`
	// SampleRate is the percent of documents the statistics gatherer sampled,
	// kept so designs can be traced back to their statistics.
	SampleRate int `json:"sample_rate"`
}

// DefaultCandidateConfig enables every kind of design decision. Config files
// are loaded over it.
func DefaultCandidateConfig() CandidateConfig {
	return CandidateConfig{
		EnableSharding:        true,
		EnableIndexes:         true,
		EnableDenormalization: true,
		MaxIndexWidth:         defaultMaxIndexWidth,
		SampleRate:            100,
	}
}

func (cfg *CandidateConfig) FillDefault() error {
	if cfg.MaxIndexWidth < 0 {
		return fmt.Errorf("max_index_width %d: %w", cfg.MaxIndexWidth, apierrors.ErrInvalidConfig)
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 100 {
		return fmt.Errorf("sample_rate %d: %w", cfg.SampleRate, apierrors.ErrInvalidConfig)
	}
	if cfg.MaxIndexWidth == 0 {
		cfg.MaxIndexWidth = defaultMaxIndexWidth
	}
	return nil
}

type Config struct {
	MaxIndexesPerCollection int   `json:"max_indexes_per_collection"`
	TimeBudgetMs            int64 `json:"time_budget_ms"`
	RoundTimeoutMs          int64 `json:"round_timeout_ms"`
	MaxRounds               int   `json:"max_rounds"`
	RelaxSize               int   `json:"relax_size"`
	RelaxIncreaseAfter      int   `json:"relax_increase_after"`
	Seed                    int64 `json:"seed"`
	// Initial picks how the design the search starts from is built.
	Initial string `json:"initial"`
}

func (cfg *Config) FillDefault() error {
	if cfg.MaxIndexesPerCollection < 0 || cfg.TimeBudgetMs < 0 || cfg.RoundTimeoutMs < 0 ||
		cfg.MaxRounds < 0 || cfg.RelaxSize < 0 || cfg.RelaxIncreaseAfter < 0 {
		return fmt.Errorf("negative search option: %w", apierrors.ErrInvalidConfig)
	}
	switch cfg.Initial {
	case "":
		cfg.Initial = InitialHeuristic
	case InitialHeuristic, InitialRandom:
	default:
		return fmt.Errorf("initial %q: %w", cfg.Initial, apierrors.ErrInvalidConfig)
	}
	if cfg.MaxIndexesPerCollection == 0 {
		cfg.MaxIndexesPerCollection = defaultMaxIndexesPerCollection
	}
	if cfg.TimeBudgetMs == 0 {
		cfg.TimeBudgetMs = defaultTimeBudget.Milliseconds()
	}
	if cfg.RoundTimeoutMs == 0 {
		cfg.RoundTimeoutMs = defaultRoundTimeout.Milliseconds()
	}
	if cfg.RelaxSize == 0 {
		cfg.RelaxSize = defaultRelaxSize
	}
	if cfg.RelaxIncreaseAfter == 0 {
		cfg.RelaxIncreaseAfter = defaultRelaxIncreaseAfter
	}
	return nil
}

func (cfg *Config) timeBudget() time.Duration {
	return time.Duration(cfg.TimeBudgetMs) * time.Millisecond
}

func (cfg *Config) roundTimeout() time.Duration {
	return time.Duration(cfg.RoundTimeoutMs) * time.Millisecond
}
