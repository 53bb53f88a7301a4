package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/otcheredev/ris-dimse-node/internal/models"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
	Close() error
}

// QueryKey identifies the cached results of one C-FIND against a node.
// Identical queries map to the same key regardless of field order.
func QueryKey(tenantID, nodeID string, params models.QueryParams) string {
	encoded, _ := json.Marshal(params)
	sum := sha256.Sum256(encoded)
	return NodePrefix(tenantID, nodeID) + strings.ToLower(params.Level) + ":" + hex.EncodeToString(sum[:12])
}

// NodePrefix is the common prefix of every key cached for a node
func NodePrefix(tenantID, nodeID string) string {
	return "find:" + tenantID + ":" + nodeID + ":"
}

// NodePattern matches every key cached for a node
func NodePattern(tenantID, nodeID string) string {
	return NodePrefix(tenantID, nodeID) + "*"
}
