package workflow

import (
	"slices"

	"github.com/kode4food/cascade/internal/util"
	"github.com/kode4food/cascade/pkg/api"
)

type (
	// CompensationStrategy selects how a failed instance is unwound
	CompensationStrategy string

	// CompensationOrder orders the completed steps of a failed instance for
	// compensation. It receives the completed step ids in completion order
	CompensationOrder func(completed []api.StepID) []api.StepID
)

const (
	// CompensateNone leaves a failed instance failed
	CompensateNone CompensationStrategy = "none"

	// CompensateReverse undoes completed steps in reverse completion order
	CompensateReverse CompensationStrategy = "reverse_order"

	// CompensateCustom undoes completed steps in a definition-supplied order
	CompensateCustom CompensationStrategy = "custom"
)

// Compensates reports whether failed instances are unwound at all
func (s CompensationStrategy) Compensates() bool {
	return s == CompensateReverse || s == CompensateCustom
}

// CompensationPlan returns the order in which completed steps are
// compensated. The completed ids must be given in completion order. Every
// completed step appears exactly once: a custom order's unknown or repeated
// ids are dropped and the steps it omits follow in reverse completion order
func (d *Definition) CompensationPlan(completed []api.StepID) []api.StepID {
	reverse := slices.Clone(completed)
	slices.Reverse(reverse)

	switch d.strategy {
	case CompensateReverse:
		return reverse
	case CompensateCustom:
		eligible := util.SetOf(completed...)
		seen := util.Set[api.StepID]{}
		res := make([]api.StepID, 0, len(completed))
		for _, id := range d.order(slices.Clone(completed)) {
			if !eligible.Contains(id) || seen.Contains(id) {
				continue
			}
			seen.Add(id)
			res = append(res, id)
		}
		for _, id := range reverse {
			if !seen.Contains(id) {
				seen.Add(id)
				res = append(res, id)
			}
		}
		return res
	default:
		return nil
	}
}
