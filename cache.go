package fab

import (
	"context"
	"time"
)

// LockKey contains the lock key name together with the lease token of the requester.
// IsLockOwner is true only after the requester won the key.
type LockKey struct {
	// Key is the backend key name, already namespaced via FormatLockKey.
	Key string
	// LockID is the requester's lease token for this key.
	LockID UUID
	// IsLockOwner is true if the requester holds the lock on the key.
	IsLockOwner bool
}

// Cache is the interface for caching and lease locking. Redis implements it for
// Clustered deployments, the in-process cache for Standalone ones.
type Cache interface {
	// Set executes the cache Set command, with expiration of 0 meaning no expiry.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get executes the cache Get command. First result is false when the key is not found.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx is like Get but also refreshes the key's TTL.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)
	// SetStruct marshals value and stores it under key.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches key and unmarshals it into target. First result is false when not found.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	// GetStructEx is like GetStruct but also refreshes the key's TTL.
	GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error)
	// Delete removes the given keys. First result is false when none of them existed.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Clear wipes out the cache. Tests and tooling only.
	Clear(ctx context.Context) error

	// FormatLockKey returns the namespaced backend key name for a lock key.
	FormatLockKey(k string) string
	// CreateLockKeys returns lock keys (with fresh lease tokens) for the given names.
	CreateLockKeys(keys []string) []*LockKey
	// CreateLockKeysForIDs is like CreateLockKeys but uses caller-provided lease tokens.
	CreateLockKeysForIDs(keys []Tuple[string, UUID]) []*LockKey
	// IsLockedTTL checks lock ownership and extends each owned key's TTL as a side effect.
	IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, error)
	// Lock attempts to win all the given keys. When another session holds one,
	// returns false together with that session's lease token when it could be read back.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked checks whether all the given keys are held by this session.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// IsLockedByOthers checks whether all the given key names are held by other sessions.
	IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error)
	// Unlock deletes only the keys this session owns. Compare-token semantics: a
	// non-owner's unlock leaves the holder's lease untouched.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}

// CloseableCache is a Cache whose client owns its own connection.
type CloseableCache interface {
	Cache
	// Close the connection this client owns.
	Close() error
}
