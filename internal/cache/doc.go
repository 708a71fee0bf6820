// Package cache defines the named response caches the interceptor falls back
// to when the network is unavailable. A cache maps an origin-relative URL to
// a complete response (status, header, body). Two backends are provided: a
// filesystem layout under StoragePath/<cache>/<path>.body with a JSON sidecar
// and a BadgerDB key-value store. Writes use safe semantics (temp file +
// rename, or a single transaction) so a crash never leaves a torn entry.
package cache
