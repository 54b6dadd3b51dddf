package batch

import (
	"context"
	"fmt"

	"github.com/formbridge/fab"
)

// StoreKind selects a persistence backend. The postgres and sqlite packages
// self-register in their init functions; importing one is what makes its
// kind available.
type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// CommitLogCassandra is the kind the cassandra package registers under.
const CommitLogCassandra = "cassandra"

type PrimaryStoreFactory func(ctx context.Context, cfg fab.StoresConfig) (PrimaryStore, error)
type TenantStoreFactory func(ctx context.Context, cfg fab.StoresConfig) (TenantStore, error)
type CommitLogFactory func(ctx context.Context, cfg fab.CommitLogConfig) (CommitLog, error)

var (
	primaryStoreRegistry = map[StoreKind]PrimaryStoreFactory{}
	tenantStoreRegistry  = map[StoreKind]TenantStoreFactory{}
	commitLogRegistry    = map[string]CommitLogFactory{}
)

// RegisterPrimaryStore registers a primary store factory for a kind.
func RegisterPrimaryStore(kind StoreKind, f PrimaryStoreFactory) {
	primaryStoreRegistry[kind] = f
}

// RegisterTenantStore registers a tenant store factory for a kind.
func RegisterTenantStore(kind StoreKind, f TenantStoreFactory) {
	tenantStoreRegistry[kind] = f
}

// RegisterCommitLog registers a commit log factory under a name.
func RegisterCommitLog(name string, f CommitLogFactory) {
	commitLogRegistry[name] = f
}

// NewPrimaryStore builds a primary store of the given kind.
func NewPrimaryStore(ctx context.Context, kind StoreKind, cfg fab.StoresConfig) (PrimaryStore, error) {
	f, ok := primaryStoreRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("no primary store registered for %q, import its backend package", kind)
	}
	return f(ctx, cfg)
}

// NewTenantStore builds a tenant store of the given kind.
func NewTenantStore(ctx context.Context, kind StoreKind, cfg fab.StoresConfig) (TenantStore, error) {
	f, ok := tenantStoreRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("no tenant store registered for %q, import its backend package", kind)
	}
	return f(ctx, cfg)
}

// NewCommitLog builds a commit log backend by name.
func NewCommitLog(ctx context.Context, name string, cfg fab.CommitLogConfig) (CommitLog, error) {
	f, ok := commitLogRegistry[name]
	if !ok {
		return nil, fmt.Errorf("no commit log registered for %q, import its backend package", name)
	}
	return f(ctx, cfg)
}

// StoreKindFor maps the deployment mode to its default store backend.
func StoreKindFor(d fab.DeploymentType) StoreKind {
	if d == fab.Clustered {
		return StorePostgres
	}
	return StoreSQLite
}

// OpenEngine wires an engine from configuration using the registered
// backends: Standalone runs on the in-process cache and sqlite, Clustered on
// Redis and postgres, with the cassandra commit log when hosts are
// configured. The backend packages must be imported for their registrations
// to exist.
func OpenEngine(ctx context.Context, cfg fab.Config) (*Engine, error) {
	fab.SetCacheFactory(cfg.CacheTypeFor())
	cache := fab.NewCacheClient()
	if cache == nil {
		return nil, fmt.Errorf("no cache registered for deployment mode %d, import the redis or cache package", cfg.Deployment)
	}
	kind := StoreKindFor(cfg.Deployment)
	primary, err := NewPrimaryStore(ctx, kind, cfg.Stores)
	if err != nil {
		return nil, err
	}
	tenant, err := NewTenantStore(ctx, kind, cfg.Stores)
	if err != nil {
		return nil, err
	}
	var clog CommitLog = NullCommitLog{}
	if len(cfg.CommitLog.Hosts) > 0 {
		clog, err = NewCommitLog(ctx, CommitLogCassandra, cfg.CommitLog)
		if err != nil {
			return nil, err
		}
	}
	return NewEngine(cfg.Engine, cache, primary, tenant, clog)
}
