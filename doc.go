/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# D4: automatic physical design for document stores

## What it decides

For every collection of a document database:

* the shard key, which places documents on nodes

* the secondary indexes

* whether the collection is embedded (denormalized) into a parent collection

## Inputs

* Catalog, per collection document count and size, per field average size, cardinality and selectivity

* Workload, sampled client sessions, each an ordered list of operations with their predicates

## How

Candidates are derived from the fields the workload predicates on. A
branch and bound search enumerates shard keys, embeddings and index sets
collection by collection, pruning with a cost model that weighs

* network, the fraction of nodes each operation touches

* disk, page misses of an LRU buffer simulated over index and document pages

* skew, the imbalance of node accesses per time interval

Large neighborhood search repeatedly relaxes a few collections of the
incumbent and re-solves them with branch and bound. Several workers search
in parallel and exchange incumbents, either in process or as messages
through a coordinator.

## Building Blocks

* Rocksdb, artifact store
* gRPC, worker transport
* Prometheus

*/

package d4
