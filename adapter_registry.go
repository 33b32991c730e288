package gcap

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]AdapterFactory)
)

// RegisterAdapter makes a factory available under every driver it supports.
// Adapter packages call it from init; registering a driver twice panics.
func RegisterAdapter(factory AdapterFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	for _, driver := range factory.SupportedDrivers() {
		driver = strings.ToLower(driver)
		if _, exists := factories[driver]; exists {
			panic(fmt.Sprintf("gcap: adapter driver %q registered twice", driver))
		}
		factories[driver] = factory
	}
}

// OpenAdapter creates an adapter for config.Driver using the registered factory
func OpenAdapter(config StoreConfig) (Adapter, error) {
	driver := strings.ToLower(config.Driver)

	factoriesMu.RLock()
	factory, ok := factories[driver]
	factoriesMu.RUnlock()

	if !ok {
		return nil, Errorf(ErrorTypeUnsupported, "no adapter registered for driver %q (known: %s)",
			config.Driver, strings.Join(Drivers(), ", "))
	}
	return factory.Create(config)
}

// Drivers returns all registered driver names, sorted
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	drivers := make([]string, 0, len(factories))
	for driver := range factories {
		drivers = append(drivers, driver)
	}
	sort.Strings(drivers)
	return drivers
}

// unregisterAdapter removes a driver; tests use it to keep the table clean.
func unregisterAdapter(driver string) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	delete(factories, strings.ToLower(driver))
}
