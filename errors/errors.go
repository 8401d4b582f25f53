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

package errors

import "errors"

var (
	ErrInvalidCandidate      = errors.New("design references a key that is not a candidate")
	ErrCycle                 = errors.New("denormalization parent creates a cycle")
	ErrMissingStatistics     = errors.New("field statistics were never computed")
	ErrLoadingDeadlock       = errors.New("collection load order cannot converge")
	ErrInvalidDesign         = errors.New("invalid design")
	ErrCollectionNotInDesign = errors.New("collection is not part of the design")

	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownField      = errors.New("unknown field")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrNotFound          = errors.New("not found")

	ErrUnknownWorker     = errors.New("unknown worker type")
	ErrChannelClosed     = errors.New("channel closed")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnknownMessageTag = errors.New("unknown message tag")
)

// Is is errors.Is re-exported so callers importing this package under its
// default name keep access to the standard helper.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
