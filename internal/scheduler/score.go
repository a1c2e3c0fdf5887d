package scheduler

import (
	"context"
	"sort"

	"github.com/vmgrid/vmgrid/internal/capacity"
	"github.com/vmgrid/vmgrid/internal/schedconfig"
	"github.com/vmgrid/vmgrid/internal/state"
)

// Candidate is a feasible node with its placement score and the tier
// capacity it would serve the request from.
type Candidate struct {
	Node     *state.Node
	Score    float64
	Capacity capacity.TierSpecificCapacity
}

// Scheduler ranks nodes for placement.
type Scheduler struct {
	config      *schedconfig.Service
	calc        *capacity.Calculator
	localRegion string
}

// New creates a scheduler. localRegion is this control plane's region,
// used for the locality score and the PreferLocalRegion tiebreak.
func New(config *schedconfig.Service, calc *capacity.Calculator, localRegion string) *Scheduler {
	return &Scheduler{config: config, calc: calc, localRegion: localRegion}
}

// Rank filters nodes through the admission predicates and returns the
// feasible ones ordered best-first by weighted score.
func (s *Scheduler) Rank(ctx context.Context, req Request, nodes []*state.Node) ([]Candidate, error) {
	cfg, err := s.config.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	var feasible []Candidate
	var maxPoints int64
	for _, n := range nodes {
		if fit := NodeFits(n, req, cfg.Limits); !fit.Feasible {
			continue
		}
		tc, err := s.calc.ComputeTierCapacity(ctx, n, req.Tier)
		if err != nil {
			return nil, err
		}
		if !tc.IsEligible {
			continue
		}
		if tc.TierComputePoints < req.ComputePoints ||
			tc.TierMemoryBytes < req.MemoryBytes ||
			tc.TierStorageBytes < req.StorageBytes {
			continue
		}
		if tc.TierComputePoints > maxPoints {
			maxPoints = tc.TierComputePoints
		}
		feasible = append(feasible, Candidate{Node: n, Capacity: tc})
	}

	for i := range feasible {
		feasible[i].Score = s.score(feasible[i], cfg.Weights, maxPoints)
	}

	sort.SliceStable(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if cfg.Limits.PreferLocalRegion {
			return s.isLocal(a.Node) && !s.isLocal(b.Node)
		}
		return false
	})
	return feasible, nil
}

// score combines the four weighted components, each normalized into [0,1].
func (s *Scheduler) score(c Candidate, w schedconfig.ScoringWeights, maxPoints int64) float64 {
	capScore := 0.0
	if maxPoints > 0 {
		capScore = float64(c.Capacity.TierComputePoints) / float64(maxPoints)
	}

	loadScore := 1.0 - c.Node.Utilization.UtilizationPercent/100.0
	if loadScore < 0 {
		loadScore = 0
	}

	repScore := c.Node.Reputation
	if repScore < 0 {
		repScore = 0
	} else if repScore > 1 {
		repScore = 1
	}

	locScore := 0.0
	if s.isLocal(c.Node) {
		locScore = 1.0
	}

	return w.Capacity*capScore + w.Load*loadScore + w.Reputation*repScore + w.Locality*locScore
}

func (s *Scheduler) isLocal(n *state.Node) bool {
	return s.localRegion != "" && n.Region == s.localRegion
}
