package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrBackendExists  = errors.New("backend: already registered")
	ErrBackendNil     = errors.New("backend: uploader is nil")
	ErrInvalidName    = errors.New("backend: invalid name")
	ErrUnknownBackend = errors.New("backend: unknown backend")
)

// Registry stores configured uploaders by name.
type Registry struct {
	items map[string]Uploader
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Uploader)}
}

// Register adds u under its own name.
func (r *Registry) Register(u Uploader) error {
	if u == nil {
		return ErrBackendNil
	}
	name := strings.TrimSpace(u.Name())
	if !IsValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, u.Name())
	}
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	r.items[name] = u
	return nil
}

func (r *Registry) Resolve(name string) (Uploader, bool) {
	u, ok := r.items[strings.TrimSpace(name)]
	return u, ok
}

// Select resolves names in order. Any unknown name fails the whole call.
func (r *Registry) Select(names []string) ([]Uploader, error) {
	out := make([]Uploader, 0, len(names))
	for _, name := range names {
		u, ok := r.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
		}
		out = append(out, u)
	}
	return out, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsValidName accepts lowercase names made of letters, digits and single
// '-' or '_' separators that neither start nor end the name.
func IsValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
