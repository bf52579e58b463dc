// Package cache provides the response cache of the proxy: request
// fingerprinting and a TTL-bound store with a Redis backend.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.DeriveKey(auth, "application/json", "POST", "/chat/completions", body, "")
//
//	entry, ok := manager.Read(ctx, key)
//	if !ok {
//		// Miss - forward upstream
//	}
//
// # HTTP Response Caching
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := manager.Write(ctx, key, entry, cache.ResolveTTL(ttlSeconds)); err != nil {
//		return err
//	}
//
// # Failure Semantics
//
// Read reports every failure as a miss: a Redis outage slows callers down
// but never fails their requests. Entries are only removed by TTL expiry.
//
// # Multipart Fingerprints
//
// Multipart bodies are fingerprinted by descriptor unless the caller passes
// HashForm output as body. Descriptor keys collide for uploads that share a
// file name hint but differ in content.
//
// # Metrics
//
//   - proxy_cache_hits_total{layer} - Cache hits
//   - proxy_cache_misses_total - Cache misses
//   - proxy_cache_writes_total{layer} - Cache writes
//   - proxy_cache_size_bytes{layer} - Size of the last written entry
//   - proxy_cache_errors_total{operation} - Cache operation errors
package cache
