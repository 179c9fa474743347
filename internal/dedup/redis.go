// Copyright (c) 2026 John Earle
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

package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCacheTTL is how long we remember a handled content hash.
	// Reporters resend within days, not weeks.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces hash keys in Redis.
	keyPrefix = "rua:artifact:"
)

// RedisCache remembers handled content hashes in Redis so repeated
// submissions skip the database round trip. Only hashes whose artifact
// reached processed or duplicate are ever written.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a hash cache backed by Redis.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Seen returns true if the hash was remembered and has not expired.
func (c *RedisCache) Seen(ctx context.Context, hash string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyPrefix+hash).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Remember marks the hash as handled.
func (c *RedisCache) Remember(ctx context.Context, hash string) error {
	if err := c.rdb.Set(ctx, keyPrefix+hash, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}
