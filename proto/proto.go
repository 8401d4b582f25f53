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

const (
	DefaultPageSize    = int64(4096)
	DefaultAddressSize = int64(8)
	DefaultNodes       = 1

	IDField = "_id"
)

type (
	NodeID    = int
	SessionID = uint64
	QueryID   = uint64
	QueryHash = uint64
)
