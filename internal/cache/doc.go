// Package cache implements the named cache partitions an offline app keeps on
// disk: StoragePath/<app>/<partition>/<path>.{body,meta}. Each entry stores a
// full response (status, headers, body) keyed by request identity, written
// with temp file + rename so readers never observe half-written entries.
// The reconciler treats a partition the way a service worker treats a Cache
// object; Storage plays the role of CacheStorage.
package cache
