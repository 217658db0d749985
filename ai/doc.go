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

// Package ai defines the embedding capability used by ingestion and retrieval.
//
// Collections fix their embedding model and dimension at creation, so the
// Embedder receives the collection's core.EmbeddingConfig on every call
// rather than being bound to one model.
//
// The ai package includes two implementation sub-packages:
//
//   - ai/openai: OpenAI-compatible APIs through langchaingo
//   - ai/mock: deterministic test doubles
//
// # Usage Example
//
//	provider, err := openai.NewProvider(ai.NewConfig(ai.WithHost(host)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vec, err := provider.Embedder().Embed(ctx, "Hello world", coll.Embedding)
package ai
