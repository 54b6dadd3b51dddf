package fab

import "fmt"

// Scope identifies the tenant partition a form lives in. Stores scope their
// rows by it; lease keys embed it so forms with equal ids in different
// tenants never contend.
type Scope struct {
	// Tenant is the tenant short code, e.g. "acme".
	Tenant string
}

// Validate fails on an empty tenant.
func (s Scope) Validate() error {
	if s.Tenant == "" {
		return fmt.Errorf("scope requires a tenant")
	}
	return nil
}

func (s Scope) String() string {
	return s.Tenant
}

// FormLockName returns the lease key name for a form in this scope, before
// backend namespacing via FormatLockKey.
func (s Scope) FormLockName(id UUID) string {
	return fmt.Sprintf("F%s:%s", s.Tenant, id.String())
}

// CopyCacheName returns the cache key holding the read-path copy document of
// a form in this scope.
func (s Scope) CopyCacheName(id UUID) string {
	return fmt.Sprintf("C%s:%s", s.Tenant, id.String())
}
