package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/batch/mocks"
	"github.com/formbridge/fab/form"
)

func Test_NewEngine_RequiresCollaborators(t *testing.T) {
	cache := mocks.NewMockCache()
	primary := mocks.NewMockPrimaryStore()
	tenant := mocks.NewMockTenantStore()

	if _, err := batch.NewEngine(fab.EngineOptions{}, nil, primary, tenant, nil); err == nil {
		t.Error("nil cache accepted")
	}
	if _, err := batch.NewEngine(fab.EngineOptions{}, cache, nil, tenant, nil); err == nil {
		t.Error("nil primary store accepted")
	}
	if _, err := batch.NewEngine(fab.EngineOptions{}, cache, primary, nil, nil); err == nil {
		t.Error("nil tenant store accepted")
	}
	// The commit log is optional.
	eng, err := batch.NewEngine(fab.EngineOptions{}, cache, primary, tenant, nil)
	if err != nil {
		t.Fatalf("engine without commit log: %v", err)
	}
	if eng.Options().LeaseTTL != fab.DefaultEngineOptions().LeaseTTL {
		t.Errorf("zero options not defaulted: %+v", eng.Options())
	}
}

func Test_FindAndLock_BusyFailsFast(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})
	ct := fx.lock(t)

	_, err := fx.engine.FindAndLock(ctx, fx.scope, fx.formID, batch.AcquireOptions{})
	if !fab.IsCode(err, fab.LockBusy) {
		t.Fatalf("err = %v, want LockBusy", err)
	}
	var coded fab.Error
	if !errors.As(err, &coded) {
		t.Fatalf("err %v is not coded", err)
	}
	holder, ok := coded.UserData.(fab.UUID)
	if !ok || holder.IsNil() {
		t.Errorf("busy error should carry the holder token, got %v", coded.UserData)
	}
	_ = ct.Release(ctx)
}

func Test_FindAndLock_BlockingWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})
	ct := fx.lock(t)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = ct.Release(context.Background())
	}()

	start := time.Now()
	next, err := fx.engine.FindAndLock(ctx, fx.scope, fx.formID, batch.AcquireOptions{
		Blocking: true,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("blocking acquire: %v", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Errorf("acquired after %v while the lease was held", waited)
	}
	_ = next.Release(ctx)
}

func Test_FindAndLock_BlockingTimesOut(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})
	ct := fx.lock(t)

	_, err := fx.engine.FindAndLock(ctx, fx.scope, fx.formID, batch.AcquireOptions{
		Blocking: true,
		Timeout:  150 * time.Millisecond,
	})
	if !fab.IsCode(err, fab.LockBusy) {
		t.Errorf("err = %v, want LockBusy after the timeout", err)
	}
	_ = ct.Release(ctx)
}

func Test_Find_HoldsNoLease(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})

	cs, err := fx.engine.Find(ctx, fx.scope, fx.formID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	m, err := cs.Answer("applicant.name")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if m.Get().Value != "Ann" {
		t.Errorf("loaded answer = %v", m.Get().Value)
	}

	ct := fx.lock(t)
	_ = ct.Release(ctx)
}

func Test_Find_UnknownFormFailsNotFound(t *testing.T) {
	fx := newFixture(t, fab.EngineOptions{})
	if _, err := fx.engine.Find(context.Background(), fx.scope, fab.NewUUID()); !fab.IsCode(err, fab.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func Test_Find_ReadsThroughCopyCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{CopyCacheTTL: time.Minute})

	first, err := fx.engine.Find(ctx, fx.scope, fx.formID)
	if err != nil {
		t.Fatalf("first find: %v", err)
	}
	if m, _ := first.Answer("applicant.name"); m.Get().Value != "Ann" {
		t.Fatalf("first read = %v", m.Get().Value)
	}

	// Mutate the store behind the cache.
	cp, _ := fx.tenant.CopyByID(fx.scope, fx.formID)
	cp.Answers["applicant.name"] = form.Answer{Code: "applicant.name", Value: "Beth", Source: "user"}
	fx.tenant.SeedCopy(fx.scope, cp)

	second, err := fx.engine.Find(ctx, fx.scope, fx.formID)
	if err != nil {
		t.Fatalf("second find: %v", err)
	}
	if m, _ := second.Answer("applicant.name"); m.Get().Value != "Ann" {
		t.Errorf("second read = %v, want the cached Ann", m.Get().Value)
	}

	// The lease path never reads the cache.
	ct := fx.lock(t)
	if m, _ := ct.Changeset().Answer("applicant.name"); m.Get().Value != "Beth" {
		t.Errorf("locked read = %v, want the stored Beth", m.Get().Value)
	}
	_ = ct.Release(ctx)
}

func Test_Save_RefreshesCopyCacheOnRewrite(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{CopyCacheTTL: time.Minute})

	if _, err := fx.engine.Find(ctx, fx.scope, fx.formID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	ct := fx.lock(t)
	pool, err := ct.Changeset().Pool("drivers")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := pool.Set(form.Pool{Code: "drivers", Capacity: 9}); err != nil {
		t.Fatalf("pool set: %v", err)
	}
	if err := ct.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	cs, err := fx.engine.Find(ctx, fx.scope, fx.formID)
	if err != nil {
		t.Fatalf("find after save: %v", err)
	}
	p, err := cs.Pool("drivers")
	if err != nil {
		t.Fatalf("pool after save: %v", err)
	}
	if p.Get().Capacity != 9 {
		t.Errorf("cached capacity = %d, want the rewrite visible immediately", p.Get().Capacity)
	}
}

func Test_BuildContext_FirstSaveInserts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})
	template := form.Template{
		Kind:         "home.quote",
		Answers:      []form.Answer{{Code: "applicant.name", Value: "Ann", Source: "import"}},
		Pools:        []form.Pool{{Code: "locations", Capacity: 2}},
		QuestionSets: []form.QuestionSet{{Code: "basics", Position: 1, Enabled: true}},
		Carriers:     []string{"acme-ins", "globex-ins"},
	}

	ct, err := fx.engine.BuildContext(ctx, fx.scope, template)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	id := ct.Changeset().FormID()
	if !ct.Changeset().IsNew() {
		t.Error("built changeset not marked new")
	}
	if err := ct.Changeset().PutAnswer("applicant.email", "ann@example.com", "user"); err != nil {
		t.Fatalf("put answer: %v", err)
	}
	if err := ct.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	f, ok := fx.primary.FormByID(fx.scope, id)
	if !ok {
		t.Fatal("form row not inserted")
	}
	if f.Kind != "home.quote" || f.CopyVersion != 1 || f.Status != form.Draft {
		t.Errorf("inserted row = %+v", f)
	}
	cp, ok := fx.tenant.CopyByID(fx.scope, id)
	if !ok {
		t.Fatal("copy document not inserted")
	}
	if cp.Version != 1 {
		t.Errorf("copy version = %d, want 1", cp.Version)
	}
	if _, ok := cp.Answers["applicant.name"]; !ok {
		t.Error("template answer missing")
	}
	if _, ok := cp.Answers["applicant.email"]; !ok {
		t.Error("session answer missing")
	}
	if _, ok := cp.Pools["locations"]; !ok {
		t.Error("template pool missing")
	}
	if _, ok := cp.QuestionSets["basics"]; !ok {
		t.Error("template question set missing")
	}
	for _, code := range template.Carriers {
		if !fx.primary.HasCarrier(fx.scope, id, code) {
			t.Errorf("carrier %s not inserted", code)
		}
	}

	next, err := fx.engine.FindAndLock(ctx, fx.scope, id, batch.AcquireOptions{})
	if err != nil {
		t.Fatalf("relock saved form: %v", err)
	}
	_ = next.Release(ctx)
}

func Test_BuildContext_ReleaseKeepsNothing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})

	ct, err := fx.engine.BuildContext(ctx, fx.scope, form.Template{Kind: "home.quote"})
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	id := ct.Changeset().FormID()
	if err := ct.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, ok := fx.primary.FormByID(fx.scope, id); ok {
		t.Error("released form was persisted")
	}
	if _, err := fx.engine.FindAndLock(ctx, fx.scope, id, batch.AcquireOptions{}); !fab.IsCode(err, fab.NotFound) {
		t.Errorf("err = %v, want NotFound for a never-saved form", err)
	}
}

func Test_ProcessExpiredSessions_EmptyLog(t *testing.T) {
	fx := newFixture(t, fab.EngineOptions{})
	n, err := fx.engine.ProcessExpiredSessions(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("settled = %d, want 0", n)
	}
}

func Test_ProcessExpiredSessions_ClearsDeadSessions(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, fab.EngineOptions{})

	for range 2 {
		sid := fx.clog.NewSessionID()
		if err := fx.clog.Log(ctx, sid, batch.StepBegan, nil); err != nil {
			t.Fatalf("log: %v", err)
		}
		fx.clog.MarkExpired(sid)
	}

	n, err := fx.engine.ProcessExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("settled = %d, want 2", n)
	}
	if got := len(fx.clog.Sessions()); got != 0 {
		t.Errorf("sessions left = %d", got)
	}
	if fx.tenant.Began != 0 {
		t.Error("sessions that died before commit must not touch the tenant store")
	}
}

func Test_StoreFactory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kind := batch.StoreKind("unit-test")

	if _, err := batch.NewPrimaryStore(ctx, kind, fab.StoresConfig{}); err == nil {
		t.Error("unregistered kind must fail")
	}

	batch.RegisterPrimaryStore(kind, func(ctx context.Context, cfg fab.StoresConfig) (batch.PrimaryStore, error) {
		return mocks.NewMockPrimaryStore(), nil
	})
	batch.RegisterTenantStore(kind, func(ctx context.Context, cfg fab.StoresConfig) (batch.TenantStore, error) {
		return mocks.NewMockTenantStore(), nil
	})

	if _, err := batch.NewPrimaryStore(ctx, kind, fab.StoresConfig{}); err != nil {
		t.Errorf("registered primary kind: %v", err)
	}
	if _, err := batch.NewTenantStore(ctx, kind, fab.StoresConfig{}); err != nil {
		t.Errorf("registered tenant kind: %v", err)
	}
}

func Test_StoreKindFor_Deployments(t *testing.T) {
	if got := batch.StoreKindFor(fab.Clustered); got != batch.StorePostgres {
		t.Errorf("clustered kind = %s", got)
	}
	if got := batch.StoreKindFor(fab.Standalone); got != batch.StoreSQLite {
		t.Errorf("standalone kind = %s", got)
	}
}
