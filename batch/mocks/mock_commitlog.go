package mocks

import (
	"context"
	"sync"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
)

// MockCommitLog is an in-memory batch.CommitLog. Sessions become claimable
// via MarkExpired; LogErr and ClearErr inject one failure each.
type MockCommitLog struct {
	mu       sync.Mutex
	sessions map[fab.UUID][]fab.KeyValuePair[batch.CommitStep, []byte]
	expired  []fab.UUID

	LogErr   map[batch.CommitStep]error
	ClearErr error

	Cleared []fab.UUID
}

func NewMockCommitLog() *MockCommitLog {
	return &MockCommitLog{
		sessions: map[fab.UUID][]fab.KeyValuePair[batch.CommitStep, []byte]{},
		LogErr:   map[batch.CommitStep]error{},
	}
}

func (l *MockCommitLog) NewSessionID() fab.UUID {
	return fab.NewUUID()
}

func (l *MockCommitLog) Log(ctx context.Context, sessionID fab.UUID, step batch.CommitStep, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.LogErr[step]; err != nil {
		delete(l.LogErr, step)
		return err
	}
	l.sessions[sessionID] = append(l.sessions[sessionID], fab.KeyValuePair[batch.CommitStep, []byte]{Key: step, Value: payload})
	return nil
}

func (l *MockCommitLog) Clear(ctx context.Context, sessionID fab.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ClearErr != nil {
		err := l.ClearErr
		l.ClearErr = nil
		return err
	}
	delete(l.sessions, sessionID)
	for i, sid := range l.expired {
		if sid == sessionID {
			l.expired = append(l.expired[:i], l.expired[i+1:]...)
			break
		}
	}
	l.Cleared = append(l.Cleared, sessionID)
	return nil
}

func (l *MockCommitLog) ClaimExpired(ctx context.Context) (fab.UUID, string, []fab.KeyValuePair[batch.CommitStep, []byte], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.expired) == 0 {
		return fab.NilUUID, "", nil, nil
	}
	sid := l.expired[0]
	steps := append([]fab.KeyValuePair[batch.CommitStep, []byte](nil), l.sessions[sid]...)
	return sid, "", steps, nil
}

func (l *MockCommitLog) ClaimExpiredOfHour(ctx context.Context, hour string) (fab.UUID, []fab.KeyValuePair[batch.CommitStep, []byte], error) {
	return fab.NilUUID, nil, nil
}

// MarkExpired makes the session claimable by the sweep.
func (l *MockCommitLog) MarkExpired(sessionID fab.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expired = append(l.expired, sessionID)
}

// StepsOf returns the logged steps of a session for assertions.
func (l *MockCommitLog) StepsOf(sessionID fab.UUID) []batch.CommitStep {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []batch.CommitStep
	for _, kv := range l.sessions[sessionID] {
		out = append(out, kv.Key)
	}
	return out
}

// Sessions returns the IDs of sessions still holding records.
func (l *MockCommitLog) Sessions() []fab.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fab.UUID, 0, len(l.sessions))
	for sid := range l.sessions {
		out = append(out, sid)
	}
	return out
}
