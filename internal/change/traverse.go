package change

import (
	"fmt"
	"slices"

	lixerrors "lix/internal/errors"
	"lix/internal/storage"
)

type direction string

const (
	up   direction = "child"  // follow edges towards parents
	down direction = "parent" // follow edges towards children
)

// walk visits the transitive closure of start in the given direction with an
// explicit worklist. Only the frontier and the visited set are held in memory;
// edges are read one node at a time. visit returning false stops the walk.
func (g *Graph) walk(txn *storage.Txn, start string, dir direction, visit func(id string) (bool, error)) error {
	visited := map[string]bool{start: true}
	stack := []string{start}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		next, err := g.neighbours(txn, string(dir), id)
		if err != nil {
			return err
		}
		for _, n := range next {
			if visited[n] {
				continue
			}
			visited[n] = true
			cont, err := visit(n)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			stack = append(stack, n)
		}
	}
	return nil
}

// Ancestors calls visit for every proper ancestor of id.
func (g *Graph) Ancestors(txn *storage.Txn, id string, visit func(*Change) error) error {
	return g.walk(txn, id, up, func(n string) (bool, error) {
		c, err := g.Get(txn, n)
		if err != nil {
			return false, err
		}
		return true, visit(c)
	})
}

// Descendants calls visit for every proper descendant of id.
func (g *Graph) Descendants(txn *storage.Txn, id string, visit func(*Change) error) error {
	return g.walk(txn, id, down, func(n string) (bool, error) {
		c, err := g.Get(txn, n)
		if err != nil {
			return false, err
		}
		return true, visit(c)
	})
}

// IsAncestor reports whether ancestor is reachable from descendant by
// following parent edges. A change is not its own ancestor.
func (g *Graph) IsAncestor(txn *storage.Txn, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return false, nil
	}
	found := false
	err := g.walk(txn, descendant, up, func(n string) (bool, error) {
		if n == ancestor {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// Related reports whether a and b are ordered by ancestry in either direction.
func (g *Graph) Related(txn *storage.Txn, a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	ok, err := g.IsAncestor(txn, a, b)
	if err != nil || ok {
		return ok, err
	}
	return g.IsAncestor(txn, b, a)
}

// IsInChangeSet reports whether change is a member of the change set or an
// ancestor of one of its members.
func (g *Graph) IsInChangeSet(txn *storage.Txn, changeID, changeSetID string) (bool, error) {
	if _, err := g.Get(txn, changeID); err != nil {
		return false, err
	}
	return g.reachesSet(txn, changeID, changeSetID, map[string]bool{})
}

// reachesSet searches the descendants of id for a member of the change set.
// memo records every node known to reach (true) or not reach (false) the set,
// so repeated calls from one leaf walk stay linear in the visited nodes.
func (g *Graph) reachesSet(txn *storage.Txn, id, changeSetID string, memo map[string]bool) (bool, error) {
	if g.sets == nil {
		return false, fmt.Errorf("change graph has no change set membership")
	}
	if v, ok := memo[id]; ok {
		return v, nil
	}

	pred := map[string]string{}
	visited := map[string]bool{id: true}
	stack := []string{id}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		hit, known := memo[n]
		if !known {
			member, err := g.sets.Contains(txn, changeSetID, n)
			if err != nil {
				return false, err
			}
			hit = member
		}
		if hit {
			for p := n; ; p = pred[p] {
				memo[p] = true
				if p == id {
					break
				}
			}
			return true, nil
		}
		if known {
			continue
		}

		children, err := g.neighbours(txn, string(down), n)
		if err != nil {
			return false, err
		}
		for _, c := range children {
			if visited[c] {
				continue
			}
			visited[c] = true
			pred[c] = n
			stack = append(stack, c)
		}
	}

	for n := range visited {
		memo[n] = false
	}
	return false, nil
}

// LeafOf follows child edges from id until no further children remain. With
// a non-empty scope only children that belong to the history of that change
// set are followed. Forks that end in different leaves are rejected.
func (g *Graph) LeafOf(txn *storage.Txn, id, scope string) (*Change, error) {
	if _, err := g.Get(txn, id); err != nil {
		return nil, err
	}

	memo := map[string]bool{}
	qualifies := func(n string) (bool, error) {
		if scope == "" {
			return true, nil
		}
		return g.reachesSet(txn, n, scope, memo)
	}

	if scope != "" {
		ok, err := qualifies(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, lixerrors.NotFoundf("change %s is not part of change set %s", id, scope)
		}
	}

	var leaves []string
	visited := map[string]bool{id: true}
	stack := []string{id}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := g.Children(txn, n)
		if err != nil {
			return nil, err
		}

		terminal := true
		for _, c := range children {
			ok, err := qualifies(c)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			terminal = false
			if !visited[c] {
				visited[c] = true
				stack = append(stack, c)
			}
		}
		if terminal && !slices.Contains(leaves, n) {
			leaves = append(leaves, n)
		}
	}

	if len(leaves) != 1 {
		return nil, lixerrors.ConstraintViolation("leaf_unique",
			fmt.Sprintf("change %s has %d leaves", id, len(leaves)))
	}
	return g.Get(txn, leaves[0])
}

// History returns id and all of its ancestors, newest first.
func (g *Graph) History(txn *storage.Txn, id string) ([]*Change, error) {
	head, err := g.Get(txn, id)
	if err != nil {
		return nil, err
	}
	out := []*Change{head}
	err = g.Ancestors(txn, id, func(c *Change) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Change) int { return ByCreation(b, a) })
	return out, nil
}
