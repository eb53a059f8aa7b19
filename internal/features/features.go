package features

import "sync"

// Flag names understood by the engine.
const (
	// RecipientLookup lets the customer resolver fall back to fulfillment
	// recipient phone/email searches.
	RecipientLookup = "recipient_lookup"
	// CustomerCache stores resolved customers' display info.
	CustomerCache = "customer_cache"
	// LineItemRefetch refetches orders that arrive without line items.
	LineItemRefetch = "line_item_refetch"
	// CatalogCache caches each merchant's qualifying variation set.
	CatalogCache = "catalog_cache"
	// EventHooks publishes domain events to subscribers.
	EventHooks = "event_hooks"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags. A nil Manager reports every flag disabled.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// Defaults holds the startup value of each engine flag.
type Defaults struct {
	RecipientLookup bool
	CustomerCache   bool
	LineItemRefetch bool
	CatalogCache    bool
	EventHooks      bool
}

// NewFromDefaults registers every engine flag with the given values.
func NewFromDefaults(d Defaults) *Manager {
	m := NewManager()
	m.Register(RecipientLookup, d.RecipientLookup, "search customers by fulfillment recipient phone/email")
	m.Register(CustomerCache, d.CustomerCache, "cache resolved customer display info")
	m.Register(LineItemRefetch, d.LineItemRefetch, "refetch orders delivered without line items")
	m.Register(CatalogCache, d.CatalogCache, "cache qualifying variation sets per merchant")
	m.Register(EventHooks, d.EventHooks, "publish loyalty domain events")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	return exists && flag.Enabled
}

// Set flips a registered flag and reports whether it exists.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if exists {
		flag.Enabled = enabled
	}
	return exists
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) { m.Set(name, true) }

// Disable disables a feature flag.
func (m *Manager) Disable(name string) { m.Set(name, false) }

// GetAll returns a snapshot of all feature flags.
func (m *Manager) GetAll() map[string]FeatureFlag {
	if m == nil {
		return map[string]FeatureFlag{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]FeatureFlag, len(m.flags))
	for k, v := range m.flags {
		result[k] = *v
	}
	return result
}
