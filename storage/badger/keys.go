package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/archivist/core"
)

// Key prefixes for different data types
const (
	orgPrefix           = "org:"
	collectionPrefix    = "col:"
	orgCollectionPrefix = "orgcol:"
	documentPrefix      = "doc:"
	collDocumentPrefix  = "coldoc:"
	chunkPrefix         = "chk:"
	docChunkPrefix      = "docchk:"
	chunkIDSeq          = "chkseq"
	jobPrefix           = "job:"
	jobTimePrefix       = "jobts:"
	jobStatusPrefix     = "jobst:"
	jobIdemPrefix       = "jobidem:"
	vectorPrefix        = "vec:"
	vectorSpacePrefix   = "vecsp:"
)

// compose concatenates prefix, string parts separated by ':' and fixed-width
// big-endian integers, so lexicographic key order follows numeric order.
func compose(prefix string, parts []string, nums ...uint64) []byte {
	size := len(prefix) + 8*len(nums)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, ':')
	}
	for _, n := range nums {
		buf = binary.BigEndian.AppendUint64(buf, n)
	}
	return buf
}

func micros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}

func makeOrgKey(id string) []byte {
	return []byte(orgPrefix + id)
}

func makeCollectionKey(id string) []byte {
	return []byte(collectionPrefix + id)
}

// makeOrgCollectionKey indexes a collection under its org.
// Format: prefix:org:collection
func makeOrgCollectionKey(orgID, collectionID string) []byte {
	return []byte(orgCollectionPrefix + orgID + ":" + collectionID)
}

func makeOrgCollectionPrefix(orgID string) []byte {
	return []byte(orgCollectionPrefix + orgID + ":")
}

func makeDocumentKey(id string) []byte {
	return []byte(documentPrefix + id)
}

// makeCollDocumentKey orders a collection's documents by creation.
// Format: prefix:collection:createdAt:document
func makeCollDocumentKey(collectionID string, createdAt time.Time, documentID string) []byte {
	key := compose(collDocumentPrefix, []string{collectionID}, micros(createdAt))
	return append(key, documentID...)
}

func makeCollDocumentPrefix(collectionID string) []byte {
	return compose(collDocumentPrefix, []string{collectionID})
}

func makeChunkKey(id core.ID) []byte {
	return compose(chunkPrefix, nil, uint64(id))
}

// makeDocChunkKey orders a document's chunks by sequence.
// Format: prefix:document:seq
func makeDocChunkKey(documentID string, seq int) []byte {
	return compose(docChunkPrefix, []string{documentID}, uint64(seq))
}

func makeDocChunkPrefix(documentID string) []byte {
	return compose(docChunkPrefix, []string{documentID})
}

func makeJobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// makeJobTimeKey orders all jobs by creation.
// Format: prefix:createdAt:job
func makeJobTimeKey(createdAt time.Time, id string) []byte {
	return append(compose(jobTimePrefix, nil, micros(createdAt)), id...)
}

// makeJobStatusKey orders jobs within a status by creation.
// Format: prefix:status:createdAt:job
func makeJobStatusKey(status core.JobStatus, createdAt time.Time, id string) []byte {
	return append(compose(jobStatusPrefix, []string{string(status)}, micros(createdAt)), id...)
}

func makeJobStatusPrefix(status core.JobStatus) []byte {
	return compose(jobStatusPrefix, []string{string(status)})
}

func makeJobIdemKey(key string) []byte {
	return []byte(jobIdemPrefix + key)
}

// makeVectorKey generates a key for a vector by collection and chunk.
// Format: prefix:collection:chunkID
func makeVectorKey(collectionID string, id core.ID) []byte {
	return compose(vectorPrefix, []string{collectionID}, uint64(id))
}

func makeVectorPrefix(collectionID string) []byte {
	return compose(vectorPrefix, []string{collectionID})
}

// chunkIDFromVectorKey extracts the trailing chunk ID of a vector key.
func chunkIDFromVectorKey(key []byte) core.ID {
	return core.ID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func makeVectorSpaceKey(collectionID string) []byte {
	return []byte(vectorSpacePrefix + collectionID)
}
