package behaviortree

import (
	"fmt"
	"sort"
	"sync"
)

// Creator builds a fresh tree template. Called once per Create; the
// returned Tree is then typically Clone()'d per NPC instance.
type Creator func() (*Tree, error)

// Factory is a name-keyed registry of tree templates, e.g. "guard",
// "merchant", "aggressive-mob", "patrol". Safe for concurrent use.
type Factory struct {
	mu       sync.RWMutex
	creators map[string]Creator
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{creators: make(map[string]Creator)}
}

// Register associates name with a creator, overwriting any prior
// registration under the same name.
func (f *Factory) Register(name string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

// Create builds a fresh tree from the named template.
func (f *Factory) Create(name string) (*Tree, error) {
	f.mu.RLock()
	creator, ok := f.creators[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("behaviortree: no template registered under %q", name)
	}
	return creator()
}

// Names returns every registered template name, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.creators))
	for n := range f.creators {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
