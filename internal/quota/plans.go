package quota

// Limits is the plan-derived sending policy for a tenant. BatchSize caps how
// many of one tenant's records a single dispatch cycle may advance, so one
// large backlog cannot starve other tenants.
type Limits struct {
	Daily     int
	Monthly   int
	BatchSize int
}

// planLimits is the single place plans map to limits. Adding a plan means
// adding a row here, dispatch logic never switches on plan names.
var planLimits = map[string]Limits{
	"free":    {Daily: 100, Monthly: 3000, BatchSize: 10},
	"starter": {Daily: 167, Monthly: 5000, BatchSize: 15},
	"pro":     {Daily: 600, Monthly: 18000, BatchSize: 20},
	"premium": {Daily: 1334, Monthly: 40000, BatchSize: 25},
}

// ForPlan returns the limits of a plan, falling back to free for anything
// unknown.
func ForPlan(plan string) Limits {
	l, ok := planLimits[plan]
	if !ok {
		return planLimits["free"]
	}
	return l
}
