// Package mocks holds in-memory implementations of the engine's
// collaborators for tests: both stores, the commit log and a cache wrapper
// with failure injection.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

func formKey(scope fab.Scope, id fab.UUID) string {
	return scope.Tenant + "|" + id.String()
}

// MockPrimaryStore is an in-memory batch.PrimaryStore. Writes staged in a
// transaction apply to the maps only on Commit. Error fields inject a single
// failure into the next matching call.
type MockPrimaryStore struct {
	mu       sync.Mutex
	forms    map[string]form.Form
	quotes   map[string]map[fab.UUID]form.QuoteRequest
	carriers map[string]map[string]bool

	BeginErr  error
	StageErr  error
	CommitErr error

	Began      int
	Committed  int
	RolledBack int
}

func NewMockPrimaryStore() *MockPrimaryStore {
	return &MockPrimaryStore{
		forms:    map[string]form.Form{},
		quotes:   map[string]map[fab.UUID]form.QuoteRequest{},
		carriers: map[string]map[string]bool{},
	}
}

// SeedForm loads a form row directly, bypassing transactions.
func (s *MockPrimaryStore) SeedForm(scope fab.Scope, f form.Form) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms[formKey(scope, f.ID)] = f
}

// SeedQuote loads a quote request directly.
func (s *MockPrimaryStore) SeedQuote(scope fab.Scope, formID fab.UUID, q form.QuoteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := formKey(scope, formID)
	if s.quotes[key] == nil {
		s.quotes[key] = map[fab.UUID]form.QuoteRequest{}
	}
	s.quotes[key][q.ID] = q
}

// SeedCarrier loads a carrier opt-in directly.
func (s *MockPrimaryStore) SeedCarrier(scope fab.Scope, formID fab.UUID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := formKey(scope, formID)
	if s.carriers[key] == nil {
		s.carriers[key] = map[string]bool{}
	}
	s.carriers[key][code] = true
}

// FormByID reads a committed form row for assertions.
func (s *MockPrimaryStore) FormByID(scope fab.Scope, id fab.UUID) (form.Form, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[formKey(scope, id)]
	return f, ok
}

// QuoteByID reads a committed quote request for assertions.
func (s *MockPrimaryStore) QuoteByID(scope fab.Scope, formID, id fab.UUID) (form.QuoteRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[formKey(scope, formID)][id]
	return q, ok
}

// HasCarrier reads a committed carrier opt-in for assertions.
func (s *MockPrimaryStore) HasCarrier(scope fab.Scope, formID fab.UUID, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carriers[formKey(scope, formID)][code]
}

func (s *MockPrimaryStore) Begin(ctx context.Context) (batch.PrimaryTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeginErr != nil {
		err := s.BeginErr
		s.BeginErr = nil
		return nil, err
	}
	s.Began++
	return &mockPrimaryTx{store: s}, nil
}

func (s *MockPrimaryStore) GetForm(ctx context.Context, scope fab.Scope, id fab.UUID) (form.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[formKey(scope, id)]
	if !ok {
		return form.Form{}, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("form %s not found", id)}
	}
	return f, nil
}

func (s *MockPrimaryStore) ListQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]form.QuoteRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []form.QuoteRequest
	for _, q := range s.quotes[formKey(scope, formID)] {
		out = append(out, q)
	}
	return out, nil
}

func (s *MockPrimaryStore) ListCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for code := range s.carriers[formKey(scope, formID)] {
		out = append(out, code)
	}
	return out, nil
}

func (s *MockPrimaryStore) takeStageErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.StageErr
	s.StageErr = nil
	return err
}

type mockPrimaryTx struct {
	store *MockPrimaryStore
	ops   []func()
	done  bool
}

func (t *mockPrimaryTx) stage(op func()) error {
	if err := t.store.takeStageErr(); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *mockPrimaryTx) UpsertForm(ctx context.Context, scope fab.Scope, f form.Form, isNew bool) error {
	return t.stage(func() {
		t.store.forms[formKey(scope, f.ID)] = f
	})
}

func (t *mockPrimaryTx) UpsertQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, quotes []form.QuoteRequest) error {
	return t.stage(func() {
		key := formKey(scope, formID)
		if t.store.quotes[key] == nil {
			t.store.quotes[key] = map[fab.UUID]form.QuoteRequest{}
		}
		for _, q := range quotes {
			t.store.quotes[key][q.ID] = q
		}
	})
}

func (t *mockPrimaryTx) RemoveQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	return t.stage(func() {
		key := formKey(scope, formID)
		for _, id := range ids {
			delete(t.store.quotes[key], id)
		}
	})
}

func (t *mockPrimaryTx) AddCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	return t.stage(func() {
		key := formKey(scope, formID)
		if t.store.carriers[key] == nil {
			t.store.carriers[key] = map[string]bool{}
		}
		for _, code := range codes {
			t.store.carriers[key][code] = true
		}
	})
}

func (t *mockPrimaryTx) RemoveCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	return t.stage(func() {
		key := formKey(scope, formID)
		for _, code := range codes {
			delete(t.store.carriers[key], code)
		}
	})
}

func (t *mockPrimaryTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.CommitErr != nil {
		err := t.store.CommitErr
		t.store.CommitErr = nil
		return err
	}
	for _, op := range t.ops {
		op()
	}
	t.done = true
	t.store.Committed++
	return nil
}

func (t *mockPrimaryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.RolledBack++
	return nil
}

// MockTenantStore is an in-memory batch.TenantStore keeping one copy
// document per form.
type MockTenantStore struct {
	mu     sync.Mutex
	copies map[string]*form.Copy

	BeginErr  error
	StageErr  error
	CommitErr error

	Began      int
	Committed  int
	RolledBack int
}

func NewMockTenantStore() *MockTenantStore {
	return &MockTenantStore{copies: map[string]*form.Copy{}}
}

// SeedCopy loads a copy document directly, bypassing transactions.
func (s *MockTenantStore) SeedCopy(scope fab.Scope, cp *form.Copy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies[formKey(scope, cp.FormID)] = cp.Clone()
}

// CopyByID reads the committed copy document for assertions.
func (s *MockTenantStore) CopyByID(scope fab.Scope, formID fab.UUID) (*form.Copy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.copies[formKey(scope, formID)]
	if !ok {
		return nil, false
	}
	return cp.Clone(), true
}

func (s *MockTenantStore) Begin(ctx context.Context) (batch.TenantTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeginErr != nil {
		err := s.BeginErr
		s.BeginErr = nil
		return nil, err
	}
	s.Began++
	return &mockTenantTx{store: s}, nil
}

func (s *MockTenantStore) GetCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) (*form.Copy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.copies[formKey(scope, formID)]
	if !ok {
		return nil, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("copy of form %s not found", formID)}
	}
	return cp.Clone(), nil
}

func (s *MockTenantStore) takeStageErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.StageErr
	s.StageErr = nil
	return err
}

type mockTenantTx struct {
	store *MockTenantStore
	ops   []func()
	done  bool
}

func (t *mockTenantTx) stage(op func()) error {
	if err := t.store.takeStageErr(); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	return nil
}

// copyFor returns the stored document for in-place edits, creating an empty
// one when the form has none yet. Callers hold the store lock via Commit.
func (t *mockTenantTx) copyFor(scope fab.Scope, formID fab.UUID) *form.Copy {
	key := formKey(scope, formID)
	cp, ok := t.store.copies[key]
	if !ok {
		cp = form.NewCopy(formID)
		t.store.copies[key] = cp
	}
	return cp
}

func (t *mockTenantTx) ReplaceCopy(ctx context.Context, scope fab.Scope, cp *form.Copy) error {
	return t.stage(func() {
		t.store.copies[formKey(scope, cp.FormID)] = cp.Clone()
	})
}

func (t *mockTenantTx) DeleteCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) error {
	return t.stage(func() {
		delete(t.store.copies, formKey(scope, formID))
	})
}

func (t *mockTenantTx) UpsertAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, answers []form.Answer) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		for _, a := range answers {
			cp.Answers[a.Code] = a
		}
	})
}

func (t *mockTenantTx) RemoveAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		for _, code := range codes {
			delete(cp.Answers, code)
		}
	})
}

func (t *mockTenantTx) AppendMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, messages []form.Message) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		cp.Messages = append(cp.Messages, messages...)
	})
}

func (t *mockTenantTx) RemoveMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		drop := make(map[fab.UUID]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		kept := cp.Messages[:0]
		for _, m := range cp.Messages {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		cp.Messages = kept
	})
}

func (t *mockTenantTx) AppendEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, events []form.Event) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		cp.Events = append(cp.Events, events...)
	})
}

func (t *mockTenantTx) RemoveEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	return t.stage(func() {
		cp := t.copyFor(scope, formID)
		drop := make(map[fab.UUID]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		kept := cp.Events[:0]
		for _, e := range cp.Events {
			if !drop[e.ID] {
				kept = append(kept, e)
			}
		}
		cp.Events = kept
	})
}

func (t *mockTenantTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.CommitErr != nil {
		err := t.store.CommitErr
		t.store.CommitErr = nil
		return err
	}
	for _, op := range t.ops {
		op()
	}
	t.done = true
	t.store.Committed++
	return nil
}

func (t *mockTenantTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.ops = nil
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.RolledBack++
	return nil
}
