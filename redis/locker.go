package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/formbridge/fab"
)

// IsLockedTTL reports whether all provided lock keys are owned by this session and
// extends their TTL by the specified duration when owned. The commit pipeline uses
// it to keep the form lease alive across a long save.
func (c client) IsLockedTTL(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.GetEx(ctx, lk.Key, duration)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Key exists with a different value, another session holds the lease.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Lock attempts to acquire leases for all provided keys using the given TTL duration.
// If any key is already held by another session, it returns false and that session's token.
func (c client) Lock(ctx context.Context, duration time.Duration, lockKeys []*fab.LockKey) (bool, fab.UUID, error) {
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if err != nil {
			return false, fab.NilUUID, err
		}
		if found {
			// Key exists, check if not ours. Most likely, but check anyway.
			if readItem != lk.LockID.String() {
				id, _ := fab.ParseUUID(readItem)
				return false, id, nil
			}
			continue
		}

		// Key does not exist, upsert it.
		if err := c.Set(ctx, lk.Key, lk.LockID.String(), duration); err != nil {
			return false, fab.NilUUID, err
		}
		// Use a 2nd "get" to ensure we "won" the lease attempt & fail if not.
		if found, readItem2, err := c.Get(ctx, lk.Key); !found || err != nil {
			return false, fab.NilUUID, err
		} else if readItem2 != lk.LockID.String() {
			// Another session won the race.
			id, _ := fab.ParseUUID(readItem2)
			return false, id, nil
		}
		// We got the key leased, ensure we can unlock it.
		lk.IsLockOwner = true
	}
	// Successfully locked.
	return true, fab.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this session.
func (c client) IsLocked(ctx context.Context, lockKeys []*fab.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Key exists with a different value, another session holds the lease.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// IsLockedByOthers reports whether all given lock key names are currently held by other sessions.
func (c client) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	for _, lkn := range lockKeyNames {
		found, _, err := c.Get(ctx, lkn)
		if !found || err != nil {
			return false, err
		}
		// Key exists means another session has a lease on it.
	}
	return true, nil
}

// Unlock releases the provided lock keys, deleting only those owned by this session.
func (c client) Unlock(ctx context.Context, lockKeys []*fab.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		// Delete lock key if we own it.
		if found, err := c.Delete(ctx, []string{lk.Key}); !found || err != nil {
			// Ignore if key not in cache, not an issue.
			if err == nil {
				continue
			}
			lastErr = err
		}
	}
	return lastErr
}

// CreateLockKeysForIDs builds lock keys from (name, lockID) tuples, applying the lock namespace prefix.
func (c client) CreateLockKeysForIDs(keys []fab.Tuple[string, fab.UUID]) []*fab.LockKey {
	lockKeys := make([]*fab.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &fab.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i].First),
			LockID: keys[i].Second,
		}
	}
	return lockKeys
}

// CreateLockKeys creates lock keys using newly generated lease tokens for each provided key name.
func (c client) CreateLockKeys(keys []string) []*fab.LockKey {
	lockKeys := make([]*fab.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &fab.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    c.FormatLockKey(keys[i]),
			LockID: fab.NewUUID(),
		}
	}
	return lockKeys
}

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis key used for locking.
func (c client) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
