package pll

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Mock is an in-process synthesizer.  Each time the output is enabled the loop
// relocks after LockDelay with a new random phase, which is what the readout
// calibration searches over.
type Mock struct {
	sync.Mutex
	rng     *rand.Rand
	on      bool
	since   time.Time
	phase   float64
	freq    float64
	power   float64
	state   int
	ext     bool
	toggles int
	calls   []string

	// LockDelay is the time from enabling the output to lock
	LockDelay time.Duration

	// Now is the clock, time.Now if nil
	Now func() time.Time
}

// NewMock returns a locked, enabled mock with a seeded phase source
func NewMock(seed int64) *Mock {
	m := &Mock{rng: rand.New(rand.NewSource(seed)), freq: 80, power: 10, state: 1}
	m.enable()
	return m
}

func (m *Mock) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Mock) enable() {
	m.on = true
	m.since = m.now()
	m.phase = 2 * math.Pi * m.rng.Float64()
}

// Phase returns the phase of the output relative to the input, radians
func (m *Mock) Phase() float64 {
	m.Lock()
	defer m.Unlock()
	return m.phase
}

// record appends a command to the call log, the lock must be held
func (m *Mock) record(format string, args ...interface{}) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Calls returns the setting commands received so far, in order
func (m *Mock) Calls() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.calls...)
}

// Toggles returns how many times the output was switched on
func (m *Mock) Toggles() int {
	m.Lock()
	defer m.Unlock()
	return m.toggles
}

// Identity returns a Pasternack identity string
func (m *Mock) Identity() (string, error) {
	return Vendor + ",PE11S390,MOCK,1.0", nil
}

// Locked reports lock once the output has been on for LockDelay
func (m *Mock) Locked() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.on && m.now().Sub(m.since) >= m.LockDelay, nil
}

// SetOutputEnabled turns the output on or off
func (m *Mock) SetOutputEnabled(on bool) error {
	m.Lock()
	defer m.Unlock()
	m.record("output %v", on)
	if on && !m.on {
		m.toggles++
		m.enable()
	}
	m.on = on
	return nil
}

// OutputEnabled reports whether the output is on
func (m *Mock) OutputEnabled() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.on, nil
}

// SetFrequency sets the output frequency in MHz
func (m *Mock) SetFrequency(mhz float64) error {
	if mhz <= 0 {
		return fmt.Errorf("frequency must be positive, got %g MHz", mhz)
	}
	m.Lock()
	defer m.Unlock()
	m.record("frequency %g", mhz)
	m.freq = mhz
	return nil
}

// Frequency returns the output frequency in MHz
func (m *Mock) Frequency() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.freq, nil
}

// SetPower sets the output power in dBm
func (m *Mock) SetPower(dbm float64) error {
	m.Lock()
	defer m.Unlock()
	m.record("power %g", dbm)
	m.power = dbm
	return nil
}

// Power returns the output power in dBm
func (m *Mock) Power() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.power, nil
}

// RecallState loads a saved state
func (m *Mock) RecallState(id int) error {
	m.Lock()
	defer m.Unlock()
	m.record("recall %d", id)
	m.state = id
	return nil
}

// State returns the active saved state
func (m *Mock) State() (int, error) {
	m.Lock()
	defer m.Unlock()
	return m.state, nil
}

// SetExternalReference selects the reference source
func (m *Mock) SetExternalReference(ext bool) error {
	m.Lock()
	defer m.Unlock()
	m.record("external %v", ext)
	m.ext = ext
	return nil
}

// ExternalReference reports the reference source
func (m *Mock) ExternalReference() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.ext, nil
}

// Close is a no-op
func (m *Mock) Close() error { return nil }
