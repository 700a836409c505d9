// Package deps orders cohorts so that every cohort is computed after the
// cohorts it references.
package deps

import (
	"errors"
	"sort"

	"cohort-engine/internal/condition"
)

// ErrCyclicDependency is recorded against cohorts that are part of, or
// depend on, a reference cycle.
var ErrCyclicDependency = errors.New("cyclic cohort dependency")

// Item is one cohort to order.
type Item struct {
	CohortID   int64
	ProjectID  int64
	Definition *condition.Group
}

// Result is the outcome of Resolve.
type Result struct {
	// Levels holds cohorts grouped by dependency depth. Cohorts in one level
	// do not depend on each other; every dependency of a cohort in level N
	// sits in a level below N or outside the input set.
	Levels [][]Item
	// Cyclic holds the ids of cohorts that are part of, or depend on, a cycle.
	Cyclic []int64
}

// Sorted flattens Levels. All dependencies of X appear before X.
func (r Result) Sorted() []Item {
	var out []Item
	for _, level := range r.Levels {
		out = append(out, level...)
	}
	return out
}

// Resolve builds the cohort reference graph and peels it level by level
// using Kahn's algorithm. References to cohorts outside items are treated as
// already satisfied.
func Resolve(items []Item) Result {
	byID := make(map[int64]Item, len(items))
	for _, it := range items {
		byID[it.CohortID] = it
	}

	inDegree := make(map[int64]int, len(byID))
	dependents := make(map[int64][]int64, len(byID))
	for id := range byID {
		inDegree[id] = 0
	}
	for id, it := range byID {
		for _, ref := range condition.CohortRefs(it.Definition) {
			if _, ok := byID[ref]; !ok {
				continue
			}
			inDegree[id]++
			dependents[ref] = append(dependents[ref], id)
		}
	}

	var res Result
	frontier := zeroInDegree(inDegree)
	for len(frontier) > 0 {
		level := make([]Item, 0, len(frontier))
		var next []int64
		for _, id := range frontier {
			level = append(level, byID[id])
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		res.Levels = append(res.Levels, level)
		frontier = sortIDs(next)
	}

	for id := range inDegree {
		res.Cyclic = append(res.Cyclic, id)
	}
	res.Cyclic = sortIDs(res.Cyclic)
	return res
}

func zeroInDegree(inDegree map[int64]int) []int64 {
	var ids []int64
	for id, d := range inDegree {
		if d == 0 {
			ids = append(ids, id)
		}
	}
	return sortIDs(ids)
}

func sortIDs(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
