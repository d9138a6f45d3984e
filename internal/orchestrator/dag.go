package orchestrator

import (
	"fmt"

	"github.com/skywave-obs/continuum/internal/perr"
)

// dag is the validated dependency structure built from a Stage slice at
// construction time: adjacency by name, each stage's remaining
// in-degree, and the reverse edges (dependents) used to enqueue newly
// ready stages as their dependencies complete.
type dag struct {
	stages     map[string]Stage
	dependents map[string][]string // stage name -> names that depend on it
	inDegree   map[string]int
}

// buildDAG validates that every DependsOn name refers to a known stage
// and that the graph is acyclic, rejecting cycles with InvalidDAG at
// construction time rather than at run time.
func buildDAG(stages []Stage) (*dag, error) {
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		if _, dup := byName[s.Name()]; dup {
			return nil, perr.New(perr.KindInvalidDAG, fmt.Errorf("duplicate stage name %q", s.Name()))
		}
		byName[s.Name()] = s
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn() {
			if _, ok := byName[dep]; !ok {
				return nil, perr.New(perr.KindInvalidDAG,
					fmt.Errorf("stage %q depends on unknown stage %q", s.Name(), dep))
			}
		}
	}

	dependents := make(map[string][]string, len(stages))
	inDegree := make(map[string]int, len(stages))
	for _, s := range stages {
		inDegree[s.Name()] = len(s.DependsOn())
		for _, dep := range s.DependsOn() {
			dependents[dep] = append(dependents[dep], s.Name())
		}
	}

	if err := checkAcyclic(byName, inDegree); err != nil {
		return nil, err
	}

	return &dag{stages: byName, dependents: dependents, inDegree: inDegree}, nil
}

// checkAcyclic runs Kahn's algorithm on a copy of inDegree; any stage
// left with nonzero in-degree after the sweep is part of a cycle.
func checkAcyclic(byName map[string]Stage, inDegree map[string]int) error {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}
	var queue []string
	for name, deg := range remaining {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range byName {
			for _, dep := range s.DependsOn() {
				if dep != name {
					continue
				}
				remaining[s.Name()]--
				if remaining[s.Name()] == 0 {
					queue = append(queue, s.Name())
				}
			}
		}
	}
	if visited != len(byName) {
		return perr.New(perr.KindInvalidDAG, fmt.Errorf("stage dependency graph contains a cycle"))
	}
	return nil
}
