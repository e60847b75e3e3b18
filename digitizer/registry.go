package digitizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoDriver is generated when no driver was registered for a model
var ErrNoDriver = errors.New("no driver registered for digitizer model")

// OpenFunc opens the unit with the given serial number.  An empty serial
// opens the first unit found.
type OpenFunc func(serial string) (Digitizer, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]OpenFunc{}
)

// Register makes a driver available under a model name.
// Registering the same model twice replaces the driver.
func Register(model string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[model] = open
}

// Drivers returns the registered model names in sorted order
func Drivers() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	out := make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open opens a unit with the driver registered for model
func Open(model, serial string) (Digitizer, error) {
	driversMu.Lock()
	open, ok := drivers[model]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, model)
	}
	d, err := open(serial)
	if err != nil {
		return nil, fmt.Errorf("opening %s %s: %w", model, serial, err)
	}
	return d, nil
}
