package runner

import (
	"context"
	"sort"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
)

// Candidate is a cluster ranked by its first-pass richness.
type Candidate struct {
	Index  int
	Lambda float64
}

// RawPass processes every cluster without percolation and returns the
// candidates in catalog order.
func (r *Runner) RawPass(ctx context.Context, clusters []*types.Cluster) ([]Candidate, error) {
	cc := r.newContext(false, false)
	if err := r.pass(ctx, clusters, identity(len(clusters)), cc); err != nil {
		return nil, err
	}
	cands := make([]Candidate, len(clusters))
	for i, c := range clusters {
		cands[i] = Candidate{Index: i, Lambda: c.Lambda}
	}
	return cands, nil
}

// SortCandidates returns the cluster indices ordered by descending
// richness. Ties keep catalog order.
func SortCandidates(cands []Candidate) []int {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Lambda > sorted[j].Lambda
	})
	order := make([]int, len(sorted))
	for i, c := range sorted {
		order[i] = c.Index
	}
	return order
}

// PercolationPass reprocesses the clusters in order with percolation
// masking, so that richer clusters claim their members first.
func (r *Runner) PercolationPass(ctx context.Context, clusters []*types.Cluster, order []int) error {
	cc := r.newContext(true, r.settings.RecordMembers)
	return r.pass(ctx, clusters, order, cc)
}

// Postprocess keeps the clusters with lambda >= MinLambda and their
// members. Neighbor lists are released.
func (r *Runner) Postprocess(clusters []*types.Cluster) *Output {
	out := &Output{}
	kept := make(map[int64]struct{}, len(clusters))
	for _, c := range clusters {
		if c.Lambda < r.settings.MinLambda {
			continue
		}
		c.Neighbors = nil
		out.Clusters = append(out.Clusters, c)
		kept[c.MemMatchID] = struct{}{}
	}
	for _, m := range r.members {
		if _, ok := kept[m.MemMatchID]; ok {
			out.Members = append(out.Members, m)
		}
	}
	r.logger.Info("tile finished", "clusters", len(out.Clusters), "members", len(out.Members))
	return out
}

// GenerateIDs numbers the clusters 1..n when every mem_match_id has the
// same value, and otherwise checks that they are unique.
func GenerateIDs(clusters []*types.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	lo, hi := clusters[0].MemMatchID, clusters[0].MemMatchID
	for _, c := range clusters[1:] {
		if c.MemMatchID < lo {
			lo = c.MemMatchID
		}
		if c.MemMatchID > hi {
			hi = c.MemMatchID
		}
	}
	if lo == hi {
		for i, c := range clusters {
			c.MemMatchID = int64(i + 1)
		}
		return nil
	}
	seen := make(map[int64]struct{}, len(clusters))
	for _, c := range clusters {
		if _, dup := seen[c.MemMatchID]; dup {
			return errorsmod.Wrapf(types.ErrDuplicateID, "mem_match_id %d", c.MemMatchID)
		}
		seen[c.MemMatchID] = struct{}{}
	}
	return nil
}
