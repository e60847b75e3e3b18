package digitizer

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/ldvscan/oscilloscope"
)

// Fault is a failure mode injected into a simulated galvo
type Fault int

const (
	// Healthy is a galvo that follows its command
	Healthy Fault = iota

	// Stall freezes the mirror.  The servo error is reported for StallHold
	// after each command and then drops to zero as the driver gives up.
	Stall

	// Miswire inverts the polarity of the position feedback
	Miswire

	// Disturb adds a vibration of Disturbance degrees to the servo error
	Disturb
)

func (f Fault) String() string {
	switch f {
	case Healthy:
		return "healthy"
	case Stall:
		return "stall"
	case Miswire:
		return "miswire"
	case Disturb:
		return "disturb"
	}
	return fmt.Sprintf("Fault(%d)", int(f))
}

// readiness programs WaitReady failures on a mock
type readiness struct {
	failures int
}

func (r *readiness) wait() error {
	if r.failures == 0 {
		return nil
	}
	if r.failures > 0 {
		r.failures--
	}
	return ErrTimeout
}

// Plant describes the electrical and mechanical response of a simulated
// galvo.  Command, output and error conversions use the same constants as the
// motor calibration so a healthy plant reads back exactly what it was sent.
type Plant struct {
	// CommandGain converts degrees to AWG volts
	CommandGain float64

	// CommandOffset is the AWG level of the zero-degree position
	CommandOffset float64

	// OutputScale is the position feedback scale, degrees per volt
	OutputScale float64

	// ErrorScale is the servo error scale, degrees per volt
	ErrorScale float64

	// TimeConstant is the first order response time of the mirror
	TimeConstant time.Duration

	// StallHold is how long a stalled servo keeps reporting an error
	StallHold time.Duration

	// Disturbance is the amplitude in degrees added to the error by Disturb
	Disturbance float64
}

// MockGalvo is a ps2000 wired to one galvo: the AWG DC level is the command,
// channel A the position feedback and channel B the servo error
type MockGalvo struct {
	sync.Mutex
	plant    Plant
	info     Info
	cfg      Config
	ready    readiness
	closed   bool
	armed    bool
	captured time.Time
	from, to float64
	at       time.Time
	fault    Fault
	commands int

	// Now is the clock of the simulation, time.Now if nil
	Now func() time.Time
}

// NewMockGalvo returns a simulated galvo resting at zero degrees
func NewMockGalvo(serial string, p Plant) *MockGalvo {
	if p.TimeConstant <= 0 {
		p.TimeConstant = time.Millisecond
	}
	return &MockGalvo{
		plant: p,
		info:  Info{Model: PS2000, Serial: serial},
		cfg: Config{
			Model:    PS2000,
			Timebase: Timebase{SampleRate: 1e7, Samples: 200},
			Channels: map[string]ChannelSettings{
				"A": {Enabled: true, Coupling: "DC", Range: 10},
				"B": {Enabled: true, Coupling: "DC", Range: 0.05},
			},
			AWG: AWG{WaveType: "dc_voltage", StartFreq: 1e3, StopFreq: 1e3, SweepType: "up"},
		},
	}
}

func (m *MockGalvo) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// angle returns the true mirror angle at t
func (m *MockGalvo) angle(t time.Time) float64 {
	if m.fault == Stall {
		return m.from
	}
	if m.at.IsZero() {
		return m.to
	}
	dt := t.Sub(m.at).Seconds()
	tau := m.plant.TimeConstant.Seconds()
	return m.to + (m.from-m.to)*math.Exp(-dt/tau)
}

// servoError returns the tracking error in degrees at t, before disturbance
func (m *MockGalvo) servoError(t time.Time) float64 {
	if m.fault == Stall && t.Sub(m.at) >= m.plant.StallHold {
		return 0
	}
	return m.to - m.angle(t)
}

// Inject puts the galvo in the given failure mode
func (m *MockGalvo) Inject(f Fault) {
	m.Lock()
	defer m.Unlock()
	now := m.now()
	m.from = m.angle(now)
	m.at = now
	m.fault = f
}

// FailReady makes the next n calls to WaitReady time out, n < 0 for all
func (m *MockGalvo) FailReady(n int) {
	m.Lock()
	defer m.Unlock()
	m.ready.failures = n
}

// Commands returns the number of generator updates received
func (m *MockGalvo) Commands() int {
	m.Lock()
	defer m.Unlock()
	return m.commands
}

// Angle returns the true mirror angle in degrees
func (m *MockGalvo) Angle() float64 {
	m.Lock()
	defer m.Unlock()
	return m.angle(m.now())
}

// Configure validates and stores the setup
func (m *MockGalvo) Configure(c Config) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := Validate(c); err != nil {
		return err
	}
	m.cfg = c.Clone()
	return nil
}

// Arm samples the mirror state
func (m *MockGalvo) Arm() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.armed = true
	m.captured = m.now()
	return nil
}

// WaitReady returns immediately unless failures were programmed
func (m *MockGalvo) WaitReady(timeout time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.armed {
		return ErrNotArmed
	}
	return m.ready.wait()
}

// Read returns the feedback channels captured at the last Arm
func (m *MockGalvo) Read() (oscilloscope.Waveform, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return oscilloscope.Waveform{}, ErrClosed
	}
	if !m.armed {
		return oscilloscope.Waveform{}, ErrNotArmed
	}
	p := m.plant
	theta := m.angle(m.captured)
	if m.fault == Miswire {
		theta = -theta
	}
	errDeg := m.servoError(m.captured)
	pos := (theta + p.CommandOffset/p.CommandGain) * p.OutputScale

	n := m.cfg.Timebase.Samples
	segs := m.cfg.Trigger.Segments
	if segs < 1 {
		segs = 1
	}
	a := make([]oscilloscope.Data, segs)
	b := make([]oscilloscope.Data, segs)
	for s := 0; s < segs; s++ {
		as := make([]float64, n)
		bs := make([]float64, n)
		for i := range as {
			as[i] = pos
			e := errDeg
			if m.fault == Disturb {
				if i%2 == 0 {
					e += p.Disturbance
				} else {
					e -= p.Disturbance
				}
			}
			bs[i] = e / p.ErrorScale
		}
		a[s], b[s] = as, bs
	}
	return oscilloscope.Waveform{
		DT:         1 / m.cfg.Timebase.SampleRate,
		PreTrigger: int(m.cfg.Trigger.PreTrigger * float64(n)),
		Channels: map[string]oscilloscope.Channel{
			"A": {Segments: a, Scale: 1},
			"B": {Segments: b, Scale: 1},
		},
	}, nil
}

// ApplyWaveform takes the DC level of the generator as the new command
func (m *MockGalvo) ApplyWaveform(a AWG) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := validateAWG(families[PS2000], a); err != nil {
		return err
	}
	m.commands++
	now := m.now()
	if m.fault != Stall {
		m.from = m.angle(now)
	}
	m.to = (a.Offset - m.plant.CommandOffset) / m.plant.CommandGain
	m.at = now
	m.cfg.AWG = a
	return nil
}

// SoftTrigger is not wired on the galvo scopes
func (m *MockGalvo) SoftTrigger(bool) error {
	return fmt.Errorf("%w: %s generator has no software trigger", ErrInvalidSetting, PS2000)
}

// Info returns the identity given at construction
func (m *MockGalvo) Info() Info { return m.info }

// Close marks the unit closed
func (m *MockGalvo) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// MockReadout is a ps5000a digitizing the vibrometer board: the photodiode
// tone on channel A, the board output on channel B and the reference on C
type MockReadout struct {
	sync.Mutex
	info     Info
	cfg      Config
	ready    readiness
	closed   bool
	armed    bool
	noise    float64
	arms     int
	triggers int
	reads    int

	// Frequency and Amplitude describe the photodiode tone
	Frequency float64
	Amplitude float64

	// Noise returns the amplitude of the board output at capture time,
	// zero if nil
	Noise func() float64
}

// NewMockReadout returns a simulated readout scope
func NewMockReadout(serial string, freq, amplitude float64) *MockReadout {
	return &MockReadout{
		info:      Info{Model: PS5000A, Serial: serial},
		Frequency: freq,
		Amplitude: amplitude,
		cfg: Config{
			Model:      PS5000A,
			Resolution: "8BIT",
			Timebase:   Timebase{SampleRate: 250e6, Samples: 1000},
			Channels: map[string]ChannelSettings{
				"A": {Enabled: true, Coupling: "DC", Range: 1},
				"B": {Enabled: true, Coupling: "DC", Range: 0.5},
			},
			Trigger: Trigger{Segments: 1},
			AWG: AWG{WaveType: "sine", PkToPk: 0.1, StartFreq: 20e6, StopFreq: 20e6,
				SweepType: "up", Shots: 10, TriggerSource: "soft_trig", Direction: "rising"},
		},
	}
}

// FailReady makes the next n calls to WaitReady time out, n < 0 for all
func (m *MockReadout) FailReady(n int) {
	m.Lock()
	defer m.Unlock()
	m.ready.failures = n
}

// Stats returns the number of arms, software triggers and reads so far
func (m *MockReadout) Stats() (arms, triggers, reads int) {
	m.Lock()
	defer m.Unlock()
	return m.arms, m.triggers, m.reads
}

// Configure validates and stores the setup
func (m *MockReadout) Configure(c Config) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := Validate(c); err != nil {
		return err
	}
	m.cfg = c.Clone()
	return nil
}

// Arm samples the noise source
func (m *MockReadout) Arm() error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.arms++
	m.armed = true
	m.noise = 0
	if m.Noise != nil {
		m.noise = m.Noise()
	}
	return nil
}

// WaitReady returns immediately unless failures were programmed
func (m *MockReadout) WaitReady(timeout time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.armed {
		return ErrNotArmed
	}
	return m.ready.wait()
}

// Read synthesizes the enabled channels
func (m *MockReadout) Read() (oscilloscope.Waveform, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return oscilloscope.Waveform{}, ErrClosed
	}
	if !m.armed {
		return oscilloscope.Waveform{}, ErrNotArmed
	}
	m.reads++
	n := m.cfg.Timebase.Samples
	dt := 1 / m.cfg.Timebase.SampleRate
	segs := m.cfg.Trigger.Segments
	if segs < 1 {
		segs = 1
	}
	w := 2 * math.Pi * m.Frequency
	wav := oscilloscope.Waveform{
		DT:         dt,
		PreTrigger: int(m.cfg.Trigger.PreTrigger * float64(n)),
		Channels:   make(map[string]oscilloscope.Channel),
	}
	for _, name := range m.cfg.EnabledChannels() {
		data := make([]oscilloscope.Data, segs)
		for s := range data {
			phi := 0.3 * float64(s)
			buf := make([]float64, n)
			for i := range buf {
				t := float64(i) * dt
				switch name {
				case "A":
					buf[i] = m.Amplitude * math.Sin(w*t+phi)
				case "B":
					buf[i] = m.noise * math.Cos(w*t)
				case "C":
					buf[i] = m.Amplitude * math.Sin(w*t+phi+235*math.Pi/180)
				}
			}
			data[s] = buf
		}
		wav.Channels[name] = oscilloscope.Channel{Segments: data, Scale: 1}
	}
	return wav, nil
}

// ApplyWaveform validates and stores the generator setup
func (m *MockReadout) ApplyWaveform(a AWG) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := validateAWG(families[PS5000A], a); err != nil {
		return err
	}
	m.cfg.AWG = a
	return nil
}

// SoftTrigger counts trigger pulses.  The generator must be set up with a
// soft_trig source.
func (m *MockReadout) SoftTrigger(state bool) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cfg.AWG.TriggerSource != "soft_trig" {
		return fmt.Errorf("%w: software trigger needs a soft_trig generator source, have %q",
			ErrInvalidSetting, m.cfg.AWG.TriggerSource)
	}
	if state {
		m.triggers++
	}
	return nil
}

// Info returns the identity given at construction
func (m *MockReadout) Info() Info { return m.info }

// Close marks the unit closed
func (m *MockReadout) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
