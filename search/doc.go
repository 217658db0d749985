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


// Package search answers queries against a collection.
//
// The Retriever embeds the query with the collection's embedding config,
// ranks the collection's vectors, and loads each hit's chunk from the chunk
// store. Hits whose chunk is missing or not yet indexed are dropped, the
// metadata filter is re-applied against the stored chunk, and the index is
// searched again with a larger fetch when trimming left too few results.
//
// An optional verbatim boost raises chunks that contain every non-stop-word
// of the query.
package search
