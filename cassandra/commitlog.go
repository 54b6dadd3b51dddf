package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
)

const (
	// DateHourLayout format mask string.
	DateHourLayout = "2006-01-02T15"

	// Commit logging only needs the least consistency level because the logs
	// only aid in cleanup of sessions whose committer died, which is rare and
	// has no urgency. A live commit clears its own records on the way out.
	commitLoggingConsistency = gocql.LocalOne

	// sweepGuard is how far behind the current hour the sweep horizon sits.
	// A commit session is capped at minutes, so anything older than a full
	// hour plus this guard band is surely orphaned.
	sweepGuard = 70 * time.Minute

	// hourClaimTTL is the cache lease serializing hour-bucket sweeps, sized so
	// one sweeper works a backlog alone instead of racing its peers.
	hourClaimTTL = 7 * time.Hour

	// hourClaimWindow caps how long one sweeper may keep drilling into hour
	// buckets before it must let the claim lapse.
	hourClaimWindow = 4 * time.Hour
)

// Now lambda to allow unit test to inject replayable time.Now.
var Now = time.Now

// NilUUID with gocql.UUID type.
var NilUUID = gocql.UUID(fab.NilUUID)

// IsNil returns true if id is nil or empty UUID, otherwise false.
func IsNil(id gocql.UUID) bool {
	return fab.UUID(id).IsNil()
}

type commitLog struct {
	hourLockKey *fab.LockKey
	cache       fab.Cache
}

// NewCommitLog returns a Cassandra-backed implementation of batch.CommitLog.
// The cache serializes hour-bucket claims so only one sweeper at a time works
// the backlog.
func NewCommitLog(cache fab.Cache) batch.CommitLog {
	return &commitLog{
		cache:       cache,
		hourLockKey: cache.CreateLockKeys([]string{"sweep-hour"})[0],
	}
}

func init() {
	batch.RegisterCommitLog(batch.CommitLogCassandra, func(ctx context.Context, cfg fab.CommitLogConfig) (batch.CommitLog, error) {
		if _, err := OpenConnection(Config{ClusterHosts: cfg.Hosts, Keyspace: cfg.Keyspace}); err != nil {
			return nil, err
		}
		c := fab.NewCacheClient()
		if c == nil {
			return nil, fmt.Errorf("commit log requires a cache client; set the cache factory first")
		}
		return NewCommitLog(c), nil
	})
}

// NewSessionID mints a time-based UUID so session IDs sort by when the commit
// began and expiry can be judged from the ID alone.
func (cl *commitLog) NewSessionID() fab.UUID {
	return fab.UUID(gocql.UUIDFromTime(Now().UTC()))
}

// Log writes one step record (step and payload) for the given session into the b_log table.
func (cl *commitLog) Log(ctx context.Context, sessionID fab.UUID, step batch.CommitStep, payload []byte) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	insertStatement := fmt.Sprintf("INSERT INTO %s.b_log (id, c_s, c_s_p) VALUES(?,?,?);", connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, gocql.UUID(sessionID), int(step), payload).WithContext(ctx).Consistency(commitLoggingConsistency)
	if err := qry.Exec(); err != nil {
		return err
	}
	return nil
}

// Clear deletes the b_log records of the given session.
func (cl *commitLog) Clear(ctx context.Context, sessionID fab.UUID) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.b_log WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(deleteStatement, gocql.UUID(sessionID)).WithContext(ctx).Consistency(commitLoggingConsistency)
	if err := qry.Exec(); err != nil {
		return err
	}
	return nil
}

// ClaimExpired claims the hour bucket behind the sweep horizon and returns one
// expired session with its step records. A nil session with no hour means no
// work is available or another sweeper holds the claim.
func (cl *commitLog) ClaimExpired(ctx context.Context) (fab.UUID, string, []fab.KeyValuePair[batch.CommitStep, []byte], error) {
	if ok, _, err := cl.cache.Lock(ctx, hourClaimTTL, []*fab.LockKey{cl.hourLockKey}); !ok || err != nil {
		return fab.NilUUID, "", nil, nil
	}

	hour, sid, err := cl.oldest(ctx)
	if err != nil {
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		return fab.NilUUID, hour, nil, err
	}
	if IsNil(sid) {
		// Unlock the hour.
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		return fab.NilUUID, "", nil, nil
	}

	r, err := cl.stepsOf(ctx, sid)
	if err != nil {
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		return fab.NilUUID, "", nil, err
	}
	// Check one more time to remove race condition issue.
	if ok, err := cl.cache.IsLocked(ctx, []*fab.LockKey{cl.hourLockKey}); !ok || err != nil {
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		// Just return nils as we can't attain a lock.
		return fab.NilUUID, "", nil, nil
	}
	return fab.UUID(sid), hour, r, nil
}

// ClaimExpiredOfHour claims one expired session older than the given hour
// boundary, for sweepers handed an hour token. Outside the claim window the
// hour lease is released so the next sweeper can take over.
func (cl *commitLog) ClaimExpiredOfHour(ctx context.Context, hour string) (fab.UUID, []fab.KeyValuePair[batch.CommitStep, []byte], error) {
	if hour == "" {
		return fab.NilUUID, nil, nil
	}
	t, err := time.Parse(DateHourLayout, hour)
	if err != nil {
		return fab.NilUUID, nil, err
	}
	if connection == nil {
		return fab.NilUUID, nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	if mh.Sub(t) > hourClaimWindow {
		// Unlock the hour to open the claim for the next sweeper. Capping here
		// keeps exactly one cleanup processor while the lease is shorter than
		// the cache TTL.
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		return fab.NilUUID, nil, nil
	}

	hrid := gocql.UUIDFromTime(t)

	selectStatement := fmt.Sprintf("SELECT id FROM %s.b_log WHERE id < ? LIMIT 1 ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, hrid).WithContext(ctx).Consistency(commitLoggingConsistency)

	iter := qry.Iter()
	var sid gocql.UUID
	for iter.Scan(&sid) {
	}
	if err := iter.Close(); err != nil {
		return fab.NilUUID, nil, err
	}

	if IsNil(sid) {
		// Unlock the hour.
		cl.cache.Unlock(ctx, []*fab.LockKey{cl.hourLockKey})
		return fab.NilUUID, nil, nil
	}

	r, err := cl.stepsOf(ctx, sid)
	return fab.UUID(sid), r, err
}

// sweepHorizon returns the hour token and session-ID bound below which every
// session counts as orphaned.
func sweepHorizon() (string, gocql.UUID) {
	mh, _ := time.Parse(DateHourLayout, Now().Format(DateHourLayout))
	h := mh.Add(-sweepGuard)
	return h.Format(DateHourLayout), gocql.UUIDFromTime(h)
}

// oldest returns the sweep-horizon hour and one session older than it, nil
// when the backlog is empty.
func (cl *commitLog) oldest(ctx context.Context) (string, gocql.UUID, error) {
	hour, bound := sweepHorizon()

	if connection == nil {
		return "", NilUUID, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT id FROM %s.b_log WHERE id < ? LIMIT 1 ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, bound).WithContext(ctx).Consistency(commitLoggingConsistency)

	iter := qry.Iter()
	var sid gocql.UUID
	for iter.Scan(&sid) {
	}
	if err := iter.Close(); err != nil {
		return "", NilUUID, err
	}
	return hour, sid, nil
}

// stepsOf reads all step records of the given session from the b_log table.
func (cl *commitLog) stepsOf(ctx context.Context, sid gocql.UUID) ([]fab.KeyValuePair[batch.CommitStep, []byte], error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT c_s, c_s_p FROM %s.b_log WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, sid).WithContext(ctx).Consistency(commitLoggingConsistency)

	iter := qry.Iter()
	r := make([]fab.KeyValuePair[batch.CommitStep, []byte], 0, iter.NumRows())
	var step int
	var payload []byte
	for iter.Scan(&step, &payload) {
		r = append(r, fab.KeyValuePair[batch.CommitStep, []byte]{
			Key:   batch.CommitStep(step),
			Value: payload,
		})
		payload = nil
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}
