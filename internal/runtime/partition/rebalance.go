package partition

import (
	"cmp"
	"slices"
)

// Rebalance computes the owner of each of n partitions given the previous
// assignment and the live members. The result is fair (owned counts differ by
// at most one) and sticky: a partition only moves when its owner left or holds
// more than its quota. Over-quota owners give up their highest partitions, and
// free partitions go to the least-loaded members first. Ties break by member ID.
//
// prev may be shorter than n or contain owners that are no longer members.
// An empty member list yields an all-empty assignment.
func Rebalance(prev []string, members []string, n int) []string {
	if n <= 0 {
		return nil
	}
	next := make([]string, n)
	members = uniqueSorted(members)
	if len(members) == 0 {
		return next
	}

	live := make(map[string]bool, len(members))
	for _, m := range members {
		live[m] = true
	}

	owned := make(map[string][]int, len(members))
	for p := 0; p < n && p < len(prev); p++ {
		if owner := prev[p]; live[owner] {
			next[p] = owner
			owned[owner] = append(owned[owner], p)
		}
	}

	quota := quotas(members, owned, n)

	var free []int
	for _, m := range members {
		held := owned[m]
		for len(held) > quota[m] {
			p := held[len(held)-1]
			held = held[:len(held)-1]
			next[p] = ""
			free = append(free, p)
		}
		owned[m] = held
	}
	for p := range next {
		if next[p] == "" && !slices.Contains(free, p) {
			free = append(free, p)
		}
	}
	slices.Sort(free)

	for _, p := range free {
		taker := leastLoaded(members, owned, quota)
		next[p] = taker
		owned[taker] = append(owned[taker], p)
	}
	return next
}

// quotas hands the extra partitions of an uneven split to the members that
// already own the most, so fewer partitions move.
func quotas(members []string, owned map[string][]int, n int) map[string]int {
	base, extra := n/len(members), n%len(members)

	ranked := slices.Clone(members)
	slices.SortStableFunc(ranked, func(a, b string) int {
		if c := cmp.Compare(len(owned[b]), len(owned[a])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	quota := make(map[string]int, len(members))
	for i, m := range ranked {
		quota[m] = base
		if i < extra {
			quota[m]++
		}
	}
	return quota
}

func leastLoaded(members []string, owned map[string][]int, quota map[string]int) string {
	best := ""
	for _, m := range members {
		if len(owned[m]) >= quota[m] {
			continue
		}
		if best == "" || len(owned[m]) < len(owned[best]) {
			best = m
		}
	}
	return best
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Counts returns how many partitions each member owns in an assignment.
func Counts(assignment []string) map[string]int {
	counts := make(map[string]int)
	for _, owner := range assignment {
		if owner != "" {
			counts[owner]++
		}
	}
	return counts
}
