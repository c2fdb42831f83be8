package domain

// Tenancy is the selection mode of a picker. It is fixed when the store is
// built, the same way a request is bound to one tenant for its lifetime.
type Tenancy struct {
	Aware    bool
	TenantID string
}

// Agnostic sees every record regardless of tenant.
func Agnostic() Tenancy { return Tenancy{} }

// For restricts selection to records of tenantID plus global records.
// An empty tenantID leaves only global records visible.
func For(tenantID string) Tenancy { return Tenancy{Aware: true, TenantID: tenantID} }

// Allows applies the filter `tenant_id = current OR tenant_id IS NULL`.
func (t Tenancy) Allows(recordTenant string) bool {
	if !t.Aware {
		return true
	}
	return recordTenant == "" || recordTenant == t.TenantID
}
