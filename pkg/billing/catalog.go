package billing

const (
	// UnknownPlanName is the display name projected for price ids absent
	// from the catalog.
	UnknownPlanName = "Unknown Plan"
)

// Plan is the human-readable projection of a processor price id.
type Plan struct {
	Name  string
	Price int64
}

// Catalog maps processor price/product identifiers to display plans.
// It is a pure lookup table built once at startup; Describe is total and
// has no failure modes.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog builds a catalog from a price-id -> plan table. The table is
// copied, so later mutation of the argument does not affect the catalog.
func NewCatalog(plans map[string]Plan) *Catalog {
	table := make(map[string]Plan, len(plans))
	for id, plan := range plans {
		table[id] = plan
	}
	return &Catalog{plans: table}
}

// Describe returns the display name and price for a price id, or
// {UnknownPlanName, 0} when the id is not in the catalog.
func (c *Catalog) Describe(planID string) Plan {
	if c != nil {
		if plan, ok := c.plans[planID]; ok {
			return plan
		}
	}
	return Plan{Name: UnknownPlanName, Price: 0}
}

// Known reports whether the catalog carries the given price id.
func (c *Catalog) Known(planID string) bool {
	if c == nil {
		return false
	}
	_, ok := c.plans[planID]
	return ok
}
