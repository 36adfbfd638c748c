// Package knowledge implements the agent's persistent memory: a
// path-addressable tree of JSON-like values (strings, numbers, bools, nil,
// slices, and string-keyed maps).
//
// All operations are all-or-nothing: a failed set/delete/append leaves the
// document untouched.
package knowledge

import (
	"fmt"
)

// Doc is one agent's knowledge document. The zero value is usable; the root
// map is created on first write.
type Doc struct {
	root map[string]any
}

// New returns an empty document.
func New() *Doc {
	return &Doc{root: map[string]any{}}
}

// FromMap wraps an existing tree (e.g. loaded from the store). A nil map is
// treated as empty.
func FromMap(m map[string]any) *Doc {
	if m == nil {
		m = map[string]any{}
	}
	return &Doc{root: m}
}

// Map returns the underlying tree for persistence.
func (d *Doc) Map() map[string]any {
	if d.root == nil {
		d.root = map[string]any{}
	}
	return d.root
}

// Get resolves a dot-path. The empty path returns the whole document.
// The second return is false when the path does not resolve.
func (d *Doc) Get(path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	var cur any = d.Map()
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := listIndex(seg, len(node))
			if !ok {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps as needed. It fails
// without modifying the document if any existing intermediate is not a map.
func (d *Doc) Set(path string, value any) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("knowledge: cannot set the document root")
	}
	parent, err := d.descendMaps(segs[:len(segs)-1], true)
	if err != nil {
		return err
	}
	parent[segs[len(segs)-1]] = value
	return nil
}

// Delete removes the value at path. It fails if the terminal component is
// absent. List elements are removed with subsequent elements shifting down.
func (d *Doc) Delete(path string) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("knowledge: cannot delete the document root")
	}

	container, err := d.resolveContainer(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	last := segs[len(segs)-1]

	switch node := container.value.(type) {
	case map[string]any:
		if _, ok := node[last]; !ok {
			return fmt.Errorf("knowledge: path %q not found", path)
		}
		delete(node, last)
		return nil
	case []any:
		i, ok := listIndex(last, len(node))
		if !ok {
			return fmt.Errorf("knowledge: path %q not found", path)
		}
		trimmed := append(node[:i], node[i+1:]...)
		return container.replace(trimmed)
	default:
		return fmt.Errorf("knowledge: path %q not found", path)
	}
}

// Append adds value to the list at path. An absent path becomes a
// one-element list; a scalar is replaced by the two-element list [old, new].
// Intermediate maps are created as for Set.
func (d *Doc) Append(path string, value any) error {
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("knowledge: cannot append to the document root")
	}
	parent, err := d.descendMaps(segs[:len(segs)-1], true)
	if err != nil {
		return err
	}
	last := segs[len(segs)-1]
	switch existing := parent[last].(type) {
	case nil:
		if _, ok := parent[last]; ok {
			// explicit null is still a scalar
			parent[last] = []any{existing, value}
		} else {
			parent[last] = []any{value}
		}
	case []any:
		parent[last] = append(existing, value)
	default:
		parent[last] = []any{existing, value}
	}
	return nil
}

// descendMaps walks map segments from the root, optionally creating missing
// intermediates. It fails if an existing intermediate is not a map.
func (d *Doc) descendMaps(segs []string, create bool) (map[string]any, error) {
	cur := d.Map()
	for _, seg := range segs {
		next, ok := cur[seg]
		if !ok {
			if !create {
				return nil, fmt.Errorf("knowledge: intermediate %q not found", seg)
			}
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("knowledge: intermediate %q is not a map", seg)
		}
		cur = m
	}
	return cur, nil
}

// container points at a node plus the means to replace it in its parent,
// needed when list surgery produces a new slice header.
type container struct {
	value   any
	replace func(any) error
}

// resolveContainer walks to the node addressed by segs, traversing maps and
// lists, and returns it with a replace hook.
func (d *Doc) resolveContainer(segs []string) (*container, error) {
	root := d.Map()
	cur := &container{
		value:   any(root),
		replace: func(any) error { return fmt.Errorf("knowledge: cannot replace the document root") },
	}
	for _, seg := range segs {
		seg := seg
		switch node := cur.value.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("knowledge: intermediate %q not found", seg)
			}
			cur = &container{
				value:   v,
				replace: func(nv any) error { node[seg] = nv; return nil },
			}
		case []any:
			i, ok := listIndex(seg, len(node))
			if !ok {
				return nil, fmt.Errorf("knowledge: intermediate %q not found", seg)
			}
			parent := cur
			cur = &container{
				value: node[i],
				replace: func(nv any) error {
					node[i] = nv
					return parent.replace(node)
				},
			}
		default:
			return nil, fmt.Errorf("knowledge: intermediate %q is not a container", seg)
		}
	}
	return cur, nil
}
