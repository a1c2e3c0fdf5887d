// Package scheduler filters and ranks nodes for VM placement using the
// limits and scoring weights from the scheduling config.
package scheduler

import (
	"fmt"

	"github.com/vmgrid/vmgrid/internal/arch"
	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/state"
)

// Request describes the resources a VM placement asks for.
type Request struct {
	ComputePoints int64
	MemoryBytes   int64
	StorageBytes  int64
	Architecture  string
	Region        string
	Tier          schedconfig.QualityTier
}

// FitResult reports whether a node passes the admission predicates.
type FitResult struct {
	Feasible bool
	Reason   string
}

func infeasible(format string, args ...any) FitResult {
	return FitResult{Reason: fmt.Sprintf(format, args...)}
}

// NodeFits checks the admission predicates for a request on a node:
// architecture compatibility (strict equality after normalization), tier
// eligibility, and the configured utilization, memory, and load limits.
func NodeFits(n *state.Node, req Request, limits schedconfig.SchedulingLimits) FitResult {
	if !arch.Compatible(req.Architecture, n.Inventory.Architecture) {
		return infeasible("architecture %s incompatible with node %s (%s)",
			arch.Normalize(req.Architecture), n.ID, n.Inventory.Architecture)
	}

	if n.Evaluation == nil || !n.Evaluation.IsAcceptable {
		return infeasible("node %s has no acceptable performance evaluation", n.ID)
	}
	if !n.Evaluation.IsEligibleFor(req.Tier) {
		return infeasible("node %s is not eligible for tier %s", n.ID, req.Tier)
	}

	u := n.Utilization
	if u.UtilizationPercent > limits.MaxUtilizationPercent {
		return infeasible("node %s utilization %.1f%% exceeds limit %.1f%%",
			n.ID, u.UtilizationPercent, limits.MaxUtilizationPercent)
	}
	if u.FreeMemoryMb < limits.MinFreeMemoryMb {
		return infeasible("node %s free memory %dMB below limit %dMB",
			n.ID, u.FreeMemoryMb, limits.MinFreeMemoryMb)
	}
	if u.LoadAverage > limits.MaxLoadAverage {
		return infeasible("node %s load average %.2f exceeds limit %.2f",
			n.ID, u.LoadAverage, limits.MaxLoadAverage)
	}

	return FitResult{Feasible: true}
}
