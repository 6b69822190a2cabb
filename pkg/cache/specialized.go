package cache

import "time"

// Specialized cache instance limits (spec.md §4.5).
const (
	schemaCacheMaxBytes   = 10 * 1024 * 1024
	schemaCacheTTL        = 2 * time.Hour
	schemaCacheMaxEntries = 500

	httpCacheMaxBytes   = 50 * 1024 * 1024
	httpCacheTTL        = 30 * time.Minute
	httpCacheMaxEntries = 200

	queryCacheMaxBytes   = 200 * 1024 * 1024
	queryCacheTTL        = 15 * time.Minute
	queryCacheMaxEntries = 100
)

// NewSchemaCache creates the 10MB/2h/500-entry schema cache.
func NewSchemaCache[T any]() *Cache[T] {
	return New[T](Options{
		MaxBytes:   schemaCacheMaxBytes,
		TTL:        schemaCacheTTL,
		MaxEntries: schemaCacheMaxEntries,
	})
}

// NewHTTPResponseCache creates the 50MB/30min/200-entry HTTP response cache.
func NewHTTPResponseCache[T any]() *Cache[T] {
	return New[T](Options{
		MaxBytes:   httpCacheMaxBytes,
		TTL:        httpCacheTTL,
		MaxEntries: httpCacheMaxEntries,
	})
}

// NewQueryResultCache creates the 200MB/15min/100-entry query-result cache.
// Key = normalized SQL + serialized params (spec.md §4.5).
func NewQueryResultCache[T any]() *Cache[T] {
	return New[T](Options{
		MaxBytes:   queryCacheMaxBytes,
		TTL:        queryCacheTTL,
		MaxEntries: queryCacheMaxEntries,
	})
}
