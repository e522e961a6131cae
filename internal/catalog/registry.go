package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrToolExists   = errors.New("catalog: tool already registered")
	ErrFileConflict = errors.New("catalog: file name already claimed")
	ErrNoMatch      = errors.New("catalog: selection matched no tools")
	ErrBadPattern   = errors.New("catalog: invalid selection pattern")
)

// Registry stores descriptors by stable identifier.
type Registry struct {
	items map[string]Descriptor
	files map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]Descriptor),
		files: make(map[string]string),
	}
}

// NewRegistryFrom registers every descriptor or fails on the first invalid one.
func NewRegistryFrom(descriptors []Descriptor) (*Registry, error) {
	r := NewRegistry()
	for i, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return r, nil
}

// Register normalizes, validates, and adds a descriptor.
func (r *Registry) Register(d Descriptor) error {
	d = d.Normalize()
	if err := Validate(d); err != nil {
		return err
	}
	if _, ok := r.items[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, d.ID)
	}
	if owner, ok := r.files[d.FileName]; ok {
		return fmt.Errorf("%w: %s used by %s and %s", ErrFileConflict, d.FileName, owner, d.ID)
	}
	r.items[d.ID] = d
	r.files[d.FileName] = d.ID
	return nil
}

// Resolve returns a descriptor by id.
func (r *Registry) Resolve(id string) (Descriptor, bool) {
	d, ok := r.items[strings.TrimSpace(id)]
	return d, ok
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	return len(r.items)
}

// List returns descriptors ordered by id.
func (r *Registry) List() []Descriptor {
	list := make([]Descriptor, 0, len(r.items))
	for _, d := range r.items {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// FileNames returns the set of local file names the registry owns.
func (r *Registry) FileNames() map[string]struct{} {
	out := make(map[string]struct{}, len(r.files))
	for name := range r.files {
		out[name] = struct{}{}
	}
	return out
}

// Select returns descriptors whose id matches any glob pattern, in id order.
// No patterns selects everything.
func (r *Registry) Select(patterns []string) ([]Descriptor, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrBadPattern, p)
		}
		cleaned = append(cleaned, p)
	}
	all := r.List()
	if len(cleaned) == 0 {
		return all, nil
	}

	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		for _, p := range cleaned {
			if ok, _ := doublestar.Match(p, d.ID); ok {
				out = append(out, d)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, strings.Join(cleaned, ","))
	}
	return out, nil
}
