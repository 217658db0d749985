// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package storage defines the persistence contracts for archivist.
//
// The interfaces here decouple the ingestion pipeline and the retriever from
// the storage backend:
//
//   - OrgRepository and CollectionRepository: tenants and their collections
//   - JobStore: ingestion jobs, their state machine and claims
//   - ChunkStore: documents and chunks, ordered by sequence
//   - VectorIndex: per-collection embeddings and similarity search
//
// # Usage
//
// Open the BadgerDB-backed stores:
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	jobs := badger.NewJobStore(backend)
//
// Use in tests with in-memory storage:
//
//	stores, err := badger.NewMemoryStores()
//
// # Concurrency
//
// All implementations must be safe for concurrent use. The JobStore is the
// only contended state: ClaimJob and UpdateJob are compare-and-set
// operations, and a caller that loses a race receives
// core.ErrConcurrencyConflict.
//
// # Encoding
//
// Records are stored in the MUS binary format (see serialization.go).
// Metadata maps are written in key order so identical records encode to
// identical bytes.
package storage
