// Copyright 2023 The Cuber Authors.
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

package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistogram(t *testing.T) {
	h := NewHistogram[string]()
	for _, k := range []string{"a", "b", "b", "c", "c", "c"} {
		h.Put(k)
	}
	require.Equal(t, 6, h.Total())
	require.Equal(t, 3, h.Len())
	require.Equal(t, 2, h.Get("b"))
	require.Equal(t, 0, h.Get("missing"))
	require.Equal(t, []string{"a", "b", "c"}, h.Keys())
	require.Equal(t, []string{"c", "b", "a"}, h.MostCommon())
	require.Equal(t, 3, h.MaxCount())
	require.Equal(t, 1, h.MinCount())

	h.PutN("c", -5)
	require.Equal(t, 0, h.Get("c"))
	require.Equal(t, 3, h.Total())
	require.Equal(t, []string{"a", "b"}, h.Keys())

	h.Clear()
	require.Equal(t, 0, h.Total())
	require.Equal(t, 0, h.MinCount())
}

func TestHistogramTies(t *testing.T) {
	h := NewHistogram[int]()
	h.PutN(3, 2)
	h.PutN(1, 2)
	h.PutN(2, 1)
	require.Equal(t, []int{1, 3, 2}, h.MostCommon())
}
