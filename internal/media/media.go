// Package media stores duel report photos. Photos are keyed by duel,
// participant, and sequence number so a whole duel can be listed or
// purged in one prefix operation.
package media

import (
	"context"
	"fmt"
)

// Store is the photo blob port. Implementations must tolerate Delete
// on keys that no longer exist; cleanup tasks can fire more than once.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// PhotoKey builds the object key for one report photo.
func PhotoKey(duelID, userID int64, seq int) string {
	return fmt.Sprintf("%s%d/%d", DuelPrefix(duelID), userID, seq)
}

// DuelPrefix is the common key prefix of every photo in a duel.
func DuelPrefix(duelID int64) string {
	return fmt.Sprintf("duels/%d/", duelID)
}

// UserPrefix is the key prefix of one participant's photos in a duel.
func UserPrefix(duelID, userID int64) string {
	return fmt.Sprintf("%s%d/", DuelPrefix(duelID), userID)
}
