// Package storage provides the revisioned key-value contract shared by the
// agent registry and the work order store, with a NATS JetStream KV adapter
// and an in-memory implementation.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entry is a stored value with its revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// Bucket is a revisioned key-value namespace.
//
// Create succeeds only if the key is absent. Update succeeds only if the
// stored revision equals the expected one. Both return the new revision.
type Bucket interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
}

// EscapeToken makes s safe as a single token of a KV key or NATS subject.
// Letters, digits, '-' and '_' pass through; every other byte becomes =XX,
// so distinct inputs never share a token.
func EscapeToken(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
