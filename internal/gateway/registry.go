package gateway

// ModuleKey identifies a browsable data module.
type ModuleKey string

const (
	ModuleDocuments               ModuleKey = "documents"
	ModuleNCRs                    ModuleKey = "ncrs"
	ModuleCAPAs                   ModuleKey = "capas"
	ModuleTraining                ModuleKey = "training"
	ModuleInternalAudits          ModuleKey = "internal_audits"
	ModuleHACCP                   ModuleKey = "haccp"
	ModuleSupplierApprovals       ModuleKey = "supplier_approvals"
	ModuleEnvironmentalMonitoring ModuleKey = "environmental_monitoring"
	ModuleChangeManagement        ModuleKey = "change_management"
	ModuleFoodSafetyCulture       ModuleKey = "food_safety_culture"
	ModuleWorkOrders              ModuleKey = "work_orders"
	ModuleInventory               ModuleKey = "inventory"
	ModuleSecurityControls        ModuleKey = "security_controls"
)

// ModuleDescriptor is one row of the static module registry.
type ModuleDescriptor struct {
	Key         ModuleKey `json:"key"`
	ScopeFlag   string    `json:"scope_flag"`
	Label       string    `json:"label"`
	Citation    string    `json:"citation"`
	Table       string    `json:"-"`
	NameField   string    `json:"-"`
	DateField   string    `json:"-"`
	StatusField string    `json:"-"`
}

// Static reports whether the module is informational only.
func (m ModuleDescriptor) Static() bool { return m.Table == "" }

var registry = []ModuleDescriptor{
	{Key: ModuleDocuments, ScopeFlag: "scope_documents", Label: "Documents & SOPs", Citation: "SQF 2.2.1 / BRCGS 3.2",
		Table: "documents", NameField: "title", DateField: "updated_at", StatusField: "status"},
	{Key: ModuleNCRs, ScopeFlag: "scope_ncrs", Label: "Non-Conformance Reports", Citation: "SQF 2.5.3 / BRCGS 3.7",
		Table: "ncrs", NameField: "title", DateField: "created_at", StatusField: "status"},
	{Key: ModuleCAPAs, ScopeFlag: "scope_capas", Label: "Corrective & Preventive Actions", Citation: "SQF 2.5.3 / BRCGS 3.7.1",
		Table: "capas", NameField: "title", DateField: "created_at", StatusField: "status"},
	{Key: ModuleTraining, ScopeFlag: "scope_training", Label: "Training Records", Citation: "SQF 2.9 / BRCGS 7.1",
		Table: "training_records", NameField: "course_name", DateField: "completed_at", StatusField: "status"},
	{Key: ModuleInternalAudits, ScopeFlag: "scope_internal_audits", Label: "Internal Audits", Citation: "SQF 2.5.7 / BRCGS 3.4",
		Table: "internal_audits", NameField: "title", DateField: "audit_date", StatusField: "status"},
	{Key: ModuleHACCP, ScopeFlag: "scope_haccp", Label: "HACCP Plans", Citation: "SQF 2.4.3 / BRCGS 2",
		Table: "haccp_plans", NameField: "plan_name", DateField: "updated_at", StatusField: "status"},
	{Key: ModuleSupplierApprovals, ScopeFlag: "scope_supplier_approvals", Label: "Supplier Approvals", Citation: "SQF 2.3.4 / BRCGS 3.5",
		Table: "supplier_approvals", NameField: "supplier_name", DateField: "approved_at", StatusField: "approval_status"},
	{Key: ModuleEnvironmentalMonitoring, ScopeFlag: "scope_environmental_monitoring", Label: "Environmental Monitoring", Citation: "SQF 11.2.8 / BRCGS 4.11.8",
		Table: "environmental_samples", NameField: "location", DateField: "sampled_at", StatusField: "result"},
	{Key: ModuleChangeManagement, ScopeFlag: "scope_change_management", Label: "Change Management", Citation: "SQF 2.2.2 / BRCGS 1.1.10",
		Table: "change_requests", NameField: "title", DateField: "created_at", StatusField: "status"},
	{Key: ModuleFoodSafetyCulture, ScopeFlag: "scope_food_safety_culture", Label: "Food Safety Culture", Citation: "SQF 2.1.1 / BRCGS 1.1.2",
		Table: "culture_assessments", NameField: "title", DateField: "assessed_at", StatusField: "status"},
	{Key: ModuleWorkOrders, ScopeFlag: "scope_work_orders", Label: "Maintenance Work Orders", Citation: "SQF 11.2.2 / BRCGS 4.7",
		Table: "work_orders", NameField: "title", DateField: "created_at", StatusField: "status"},
	{Key: ModuleInventory, ScopeFlag: "scope_inventory", Label: "Inventory & Traceability", Citation: "SQF 2.6.1 / BRCGS 3.9",
		Table: "inventory_items", NameField: "name", DateField: "updated_at", StatusField: "status"},
	{Key: ModuleSecurityControls, ScopeFlag: "scope_security_controls", Label: "Security Controls", Citation: "SQF 2.7 / BRCGS 4.2"},
}

// Modules returns a copy of the registry in display order.
func Modules() []ModuleDescriptor {
	out := make([]ModuleDescriptor, len(registry))
	copy(out, registry)
	return out
}

// LookupModule finds a descriptor by key.
func LookupModule(key ModuleKey) (ModuleDescriptor, bool) {
	for _, m := range registry {
		if m.Key == key {
			return m, true
		}
	}
	return ModuleDescriptor{}, false
}

// ScopeFlags lists every scope flag column in registry order.
func ScopeFlags() []string {
	flags := make([]string, len(registry))
	for i, m := range registry {
		flags[i] = m.ScopeFlag
	}
	return flags
}

// ResolveScopes filters the registry down to the modules g may view.
// An empty result is valid; the security information view stays reachable
// regardless.
func ResolveScopes(g Grant) []ModuleDescriptor {
	var out []ModuleDescriptor
	for _, m := range registry {
		if g.HasScope(m.ScopeFlag) {
			out = append(out, m)
		}
	}
	return out
}

// InScope returns the descriptor for key when g's scope flag for it is set.
func InScope(g Grant, key ModuleKey) (ModuleDescriptor, error) {
	m, ok := LookupModule(key)
	if !ok {
		return ModuleDescriptor{}, ErrUnknownModule
	}
	if !g.HasScope(m.ScopeFlag) {
		return ModuleDescriptor{}, ErrScopeDenied
	}
	return m, nil
}
