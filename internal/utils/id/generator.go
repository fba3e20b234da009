package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes keep ids readable in logs and API payloads.
const (
	prefixSession  = "session"
	prefixMessage  = "msg"
	prefixDataset  = "dataset"
	prefixDocument = "doc"
	prefixRequest  = "req"
)

// NewSessionID generates a new chat session identifier.
func NewSessionID() string {
	return newIdentifier(prefixSession)
}

// NewMessageID generates a new chat message identifier.
func NewMessageID() string {
	return newIdentifier(prefixMessage)
}

// NewDatasetID generates a new dataset identifier.
func NewDatasetID() string {
	return newIdentifier(prefixDataset)
}

// NewDocumentID generates a new dataset document identifier.
func NewDocumentID() string {
	return newIdentifier(prefixDocument)
}

// NewRequestID generates an identifier for an inbound or outbound request.
func NewRequestID() string {
	return newIdentifier(prefixRequest)
}

// ChunkID derives a stable vector store id for the n-th chunk of a document.
func ChunkID(documentID string, n int) string {
	return fmt.Sprintf("%s#%d", documentID, n)
}

// DocumentIDFromChunkID reverses ChunkID. It returns "" when chunkID is not derived from a document.
func DocumentIDFromChunkID(chunkID string) string {
	idx := strings.LastIndex(chunkID, "#")
	if idx <= 0 {
		return ""
	}
	return chunkID[:idx]
}

func newIdentifier(prefix string) string {
	body := NewUUIDv7()
	if body == "" {
		body = uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", prefix, body)
}

// NewUUIDv7 exposes raw UUIDv7 generation for callers that need unprefixed identifiers.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return uuidv7.String()
}
