package utils

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const fastKeyPrefix = "semcache:fast:"

// QueryHash returns a 64-bit non-cryptographic hash of the query text.
// Collisions are tolerated on the fast path: a false hit still returns some
// previously cached response, never corrupted data.
func QueryHash(query string) string {
	return strconv.FormatUint(xxhash.Sum64String(query), 16)
}

// FastKey derives the exact-match key for a tenant/query pair.
func FastKey(tenantID, query string) string {
	return fmt.Sprintf("%s%s:%s", fastKeyPrefix, tenantID, QueryHash(query))
}

// FastKeyPrefix returns the key prefix covering all of a tenant's fast-store
// entries, used for tenant-scoped invalidation and key counting. An empty
// tenant yields the global prefix.
func FastKeyPrefix(tenantID string) string {
	if tenantID == "" {
		return fastKeyPrefix
	}
	return fastKeyPrefix + tenantID + ":"
}
