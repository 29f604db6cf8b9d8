package service

import (
	"context"
	"slices"

	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/models"
)

// WorkflowResults holds the outputs of the sink tasks of one run, keyed by task name.
type WorkflowResults map[string]TaskResult

// Workflow is an immutable directed acyclic graph of tasks. The execution order is
// computed once, when the workflow is built, and shared by every run.
type Workflow struct {
	nodes      map[string]*TaskNode
	declared   []*TaskNode
	order      []*TaskNode
	dependents map[string][]string
	consumers  map[string]int // edge occurrences reading each task's output
}

// NewWorkflow validates the entries and computes the execution order.
// Ties between tasks that are ready at the same time are broken by declaration order.
func NewWorkflow(entries ...Dependency) (*Workflow, error) {
	if len(entries) == 0 {
		return nil, newGraphError("", "workflow has no tasks")
	}

	w := &Workflow{
		nodes:      make(map[string]*TaskNode, len(entries)),
		dependents: make(map[string][]string),
		consumers:  make(map[string]int),
	}
	for i, entry := range entries {
		if len(entry.Name) == 0 {
			return nil, newGraphError("", "entry %d has an empty task name", i)
		}
		if entry.Task == nil {
			return nil, newGraphError(entry.Name, "task '%s' has no implementation", entry.Name)
		}
		if _, ok := w.nodes[entry.Name]; ok {
			return nil, newGraphError(entry.Name, "task '%s' is declared more than once", entry.Name)
		}
		cfg := models.TaskConfig{}
		for _, opt := range entry.Options {
			opt(&cfg)
		}
		node := &TaskNode{
			name:     entry.Name,
			task:     entry.Task,
			inputs:   append([]string(nil), entry.Inputs...),
			config:   cfg,
			declared: i,
		}
		w.nodes[node.name] = node
		w.declared = append(w.declared, node)
	}

	for _, node := range w.declared {
		for _, input := range node.inputs {
			if _, ok := w.nodes[input]; !ok {
				return nil, newGraphError(node.name, "input '%s' of task '%s' is not part of the workflow", input, node.name)
			}
			w.consumers[input]++
			if !slices.Contains(w.dependents[input], node.name) {
				w.dependents[input] = append(w.dependents[input], node.name)
			}
		}
	}

	if err := w.detectCycles(); err != nil {
		return nil, err
	}
	w.order = w.topologicalSort()
	return w, nil
}

// detectCycles walks the inputs of every task depth first. Reaching a task that is
// still being visited means a back edge, and the path from that task is the cycle.
func (w *Workflow) detectCycles() error {
	const (
		unvisited = iota
		visiting
		visited
	)
	color := make(map[string]int, len(w.declared))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case visited:
			return nil
		case visiting:
			start := slices.Index(path, name)
			cycle := append(append([]string(nil), path[start:]...), name)
			// path follows inputs, reverse it so the cycle reads in execution direction
			slices.Reverse(cycle)
			return newCycleError(cycle)
		}
		color[name] = visiting
		path = append(path, name)
		for _, input := range w.nodes[name].inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[name] = visited
		return nil
	}

	for _, node := range w.declared {
		if err := visit(node.name); err != nil {
			return err
		}
	}
	return nil
}

// topologicalSort is Kahn's algorithm picking the earliest declared ready task first.
// The graph must already be known to be acyclic.
func (w *Workflow) topologicalSort() []*TaskNode {
	inDegree := make(map[string]int, len(w.declared))
	var ready []int
	for _, node := range w.declared {
		inDegree[node.name] = len(uniqueInputs(node.inputs))
		if inDegree[node.name] == 0 {
			ready = append(ready, node.declared)
		}
	}

	sorted := make([]*TaskNode, 0, len(w.declared))
	for len(ready) > 0 {
		next := slices.Min(ready)
		ready = slices.DeleteFunc(ready, func(i int) bool { return i == next })
		curr := w.declared[next]
		sorted = append(sorted, curr)

		for _, dependent := range w.dependents[curr.name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, w.nodes[dependent].declared)
			}
		}
	}
	return sorted
}

func uniqueInputs(inputs []string) []string {
	var unique []string
	for _, input := range inputs {
		if !slices.Contains(unique, input) {
			unique = append(unique, input)
		}
	}
	return unique
}

// Order returns the task names in execution order.
func (w *Workflow) Order() []string {
	names := make([]string, len(w.order))
	for i, node := range w.order {
		names[i] = node.name
	}
	return names
}

// Nodes returns the task nodes in execution order.
func (w *Workflow) Nodes() []*TaskNode {
	return append([]*TaskNode(nil), w.order...)
}

func (w *Workflow) Node(name string) (*TaskNode, bool) {
	node, ok := w.nodes[name]
	return node, ok
}

// Inputs returns the ordered inputs of a task, nil for unknown tasks.
func (w *Workflow) Inputs(name string) []string {
	node, ok := w.nodes[name]
	if !ok {
		return nil
	}
	return node.Inputs()
}

// Dependents returns the tasks consuming the output of name, in declaration order.
func (w *Workflow) Dependents(name string) []string {
	return append([]string(nil), w.dependents[name]...)
}

// Sinks returns the tasks nobody depends on, in execution order.
func (w *Workflow) Sinks() []string {
	var sinks []string
	for _, node := range w.order {
		if len(w.dependents[node.name]) == 0 {
			sinks = append(sinks, node.name)
		}
	}
	return sinks
}

// Edges describes the declared dependencies in declaration order.
func (w *Workflow) Edges() []models.TaskEdge {
	edges := make([]models.TaskEdge, len(w.declared))
	for i, node := range w.declared {
		edges[i] = models.TaskEdge{Task: node.name, Inputs: node.Inputs()}
	}
	return edges
}

// Execute runs the workflow once, outside of any executor, and returns the outputs
// of the sink tasks. Task logs go to the process logger.
func (w *Workflow) Execute(ctx context.Context, kwargs map[string]Kwargs) (WorkflowResults, error) {
	for name := range kwargs {
		if _, ok := w.nodes[name]; !ok {
			return nil, newConfigurationError("kwargs", "task '%s' is not part of the workflow", name)
		}
	}
	rc := newRunContext(w, kwargs, log.GetLogger())
	return rc.run(ctx)
}
