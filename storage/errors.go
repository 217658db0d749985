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


package storage

import "errors"

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a record with the same identifier exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrOrgNotEmpty indicates an org still owns collections.
	ErrOrgNotEmpty = errors.New("org still has collections")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// collection's embedding dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnknownCollection indicates the vector index has no space registered
	// for the collection.
	ErrUnknownCollection = errors.New("collection not registered in vector index")

	// ErrTransactionFailed indicates that a transaction kept conflicting
	// and was abandoned.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrSerializationFailed indicates a serialization/deserialization failure.
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrTruncatedData indicates that data was truncated during reading.
	ErrTruncatedData = errors.New("truncated data")
)
