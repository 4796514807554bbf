// Package frame defines the record types stored in a capsule.
package frame

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Status describes the lifecycle state of a frame.
type Status uint8

const (
	// StatusActive marks the frame as part of the live document set.
	StatusActive Status = iota
	// StatusTombstoned marks the frame as a deletion marker for its uri.
	StatusTombstoned
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	if s == StatusTombstoned {
		return "tombstoned"
	}
	return "active"
}

// StatusFromString parses a wire status name. Unknown names map to active.
func StatusFromString(s string) Status {
	if s == "tombstoned" {
		return StatusTombstoned
	}
	return StatusActive
}

// Metadata is the key-value mapping attached to a frame.
type Metadata map[string]string

// Clone returns a deep copy of the metadata, or nil for empty input.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Frame is one version of one logical document.
type Frame struct {
	// Sequence is the capsule-wide append order, strictly increasing.
	Sequence uint64
	// URI is the stable document identity (scheme://collection/path).
	// Repeated puts on the same uri append new versions.
	URI string
	// Timestamp is the wall-clock append time.
	Timestamp time.Time
	// Status is active or tombstoned.
	Status Status
	// Body is the document content.
	Body []byte
	// Metadata is the key-value mapping stored with the body.
	Metadata Metadata
	// Checksum is the content hash over body and metadata.
	Checksum [32]byte
	// Embedding is the caller-supplied vector for the ANN index, if any.
	Embedding []float32
}

// Collection returns the collection component of the frame's uri.
func (f *Frame) Collection() string {
	return CollectionOf(f.URI)
}

// Title returns the optional title metadata key, if present.
func (f *Frame) Title() string {
	return f.Metadata["title"]
}

// ChecksumHex returns the checksum as a lowercase hex string.
func (f *Frame) ChecksumHex() string {
	return hex.EncodeToString(f.Checksum[:])
}

// CollectionOf derives the collection from a uri of the form
// scheme://collection/path. It returns "" when the uri has no collection.
func CollectionOf(uri string) string {
	rest := uri
	if i := strings.Index(uri, "://"); i >= 0 {
		rest = uri[i+3:]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[:j]
	}
	return rest
}

// ComputeChecksum hashes body plus canonicalized metadata. Metadata keys are
// sorted so the hash is independent of map iteration order.
func ComputeChecksum(body []byte, md Metadata) [32]byte {
	h := sha256.New()
	h.Write(body)
	if len(md) > 0 {
		keys := make([]string, 0, len(md))
		for k := range md {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{0})
			h.Write([]byte(md[k]))
		}
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// MarshalMetadata encodes metadata as canonical JSON for storage.
func MarshalMetadata(md Metadata) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	return json.Marshal(md)
}

// UnmarshalMetadata decodes metadata stored by MarshalMetadata.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return md, nil
}
