package fleet

import (
	"slices"
	"strings"
)

// QueueGroup is the ordered set of queues drained by a single worker process.
type QueueGroup struct {
	Queues []string
}

// String returns the queues joined with commas, the same form they were
// given in.
func (g QueueGroup) String() string {
	return strings.Join(g.Queues, ",")
}

// Len returns the number of queues in the group.
func (g QueueGroup) Len() int {
	return len(g.Queues)
}

// ParseQueueGroups turns queue tokens into queue groups, one group per token
// in input order. A token holds one or more comma-separated queue names;
// duplicates within a token are dropped, keeping the first occurrence, while
// the same queue may appear in several groups. Names are not validated and
// empty tokens are kept.
func ParseQueueGroups(tokens []string) []QueueGroup {
	groups := make([]QueueGroup, 0, len(tokens))

	for _, token := range tokens {
		var queues []string
		for q := range strings.SplitSeq(token, ",") {
			if !slices.Contains(queues, q) {
				queues = append(queues, q)
			}
		}

		groups = append(groups, QueueGroup{Queues: queues})
	}

	return groups
}

// PlanConcurrency returns the concurrency for a worker draining group: the
// group size, capped at maxConcurrency. maxConcurrency must be at least 1.
func PlanConcurrency(group QueueGroup, maxConcurrency int) int {
	return min(group.Len(), maxConcurrency)
}
