// Package cache implements the named cache-storage facility used by the
// reconciler: every application owns a handful of named stores (temp, content,
// manifest) that map a request identity (absolute URL) to a stored response.
// Stores are created implicitly on Open and removed as a whole with Delete,
// which is what activation relies on for its cold-start and wipe paths.
// Three backends share the Storage contract: the filesystem layout
// StoragePath/<store>/<host>/<path>.entry (temp file + rename writes), SQLite,
// and an in-memory map used by tests and ephemeral deployments.
package cache
