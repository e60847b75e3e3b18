package galvo

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/ldvscan/digitizer"
	"github.com/nasa-jpl/ldvscan/optics"
	"github.com/nasa-jpl/ldvscan/oscilloscope"
)

const (
	// captureTimeout bounds the wait for one feedback capture
	captureTimeout = time.Second

	// diagnoseAngle is the amplitude of the self-test round trip, degrees
	diagnoseAngle = 5.
)

var (
	// ErrRange is generated when a command exceeds the driver voltage limit.
	// It wraps optics.ErrRange so either can be tested for.
	ErrRange = fmt.Errorf("command voltage beyond the driver limit: %w", optics.ErrRange)

	// ErrAxisMismatch is generated when a scope is bound to the wrong mirror
	ErrAxisMismatch = errors.New("scope serial does not match the galvo axis")

	// ErrSettleTimeout is generated when a mirror keeps moving past the
	// settle deadline
	ErrSettleTimeout = errors.New("galvo did not settle before the timeout")

	// ErrPositionMismatch is generated when a settled mirror is not where it
	// was commanded
	ErrPositionMismatch = errors.New("galvo position does not match the command")

	// ErrFaulted is generated when a command is sent to a faulted motor
	ErrFaulted = errors.New("galvo is faulted, operator intervention required")

	// ErrStalledMotor classifies a mirror that does not follow commands
	ErrStalledMotor = errors.New("the motor is probably stalled")

	// ErrWiringFault classifies a mirror at rest in the wrong position
	ErrWiringFault = errors.New("the motor error voltage is 0 but the position is wrong, check the motor connections")

	// ErrExternalDisturbance classifies a mirror moving with no command
	ErrExternalDisturbance = errors.New("the position is not stable, check for external forces such as vibrations")
)

// MotorError is the result of a failed diagnosis.  Fault is one of
// ErrStalledMotor, ErrWiringFault or ErrExternalDisturbance.
type MotorError struct {
	Axis  Axis
	Fault error
}

func (e *MotorError) Error() string {
	return fmt.Sprintf("galvo %s: %v", e.Axis, e.Fault)
}

// Unwrap returns the fault classification
func (e *MotorError) Unwrap() error {
	return e.Fault
}

// State is the state of a Motor
type State int

const (
	// Idle is a motor with no verified position
	Idle State = iota

	// Commanding is a motor with a new command and no settle started
	Commanding

	// Settling is a motor polled for rest
	Settling

	// Stable is a motor verified at its commanded position
	Stable

	// Faulted is a motor that failed diagnosis.  It is terminal.
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Commanding:
		return "commanding"
	case Settling:
		return "settling"
	case Stable:
		return "stable"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Motor drives one galvo through its scope.  Every telemetry call performs
// a fresh capture.
type Motor struct {
	axis    Axis
	cal     Calibration
	scope   digitizer.Digitizer
	awg     digitizer.AWG
	state   State
	angle   float64
	voltage float64
	fault   error

	// Logger receives diagnosis messages, log.Default() if nil
	Logger *log.Logger
}

// NewMotor binds a scope to a mirror, applies the scope setup and outputs
// the generator level of cfg
func NewMotor(axis Axis, cal Calibration, scope digitizer.Digitizer, cfg digitizer.Config) (*Motor, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	m := &Motor{axis: axis, cal: cal, scope: scope, awg: cfg.AWG}
	if err := m.Bind(scope.Info()); err != nil {
		return nil, err
	}
	if err := scope.Configure(cfg.Clone()); err != nil {
		return nil, fmt.Errorf("galvo %s: configuring scope: %w", axis, err)
	}
	if err := scope.ApplyWaveform(cfg.AWG); err != nil {
		return nil, fmt.Errorf("galvo %s: programming generator: %w", axis, err)
	}
	return m, nil
}

func (m *Motor) logf(format string, args ...interface{}) {
	l := m.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("galvo %s: "+format, append([]interface{}{m.axis}, args...)...)
}

// Bind checks that info identifies the scope wired to this mirror
func (m *Motor) Bind(info digitizer.Info) error {
	if info.Serial != m.cal.Serial {
		return fmt.Errorf("%w: axis %s expects %q, got %q", ErrAxisMismatch, m.axis, m.cal.Serial, info.Serial)
	}
	return nil
}

// Axis returns the mirror the motor drives
func (m *Motor) Axis() Axis { return m.axis }

// Calibration returns the calibration of the motor
func (m *Motor) Calibration() Calibration { return m.cal }

// State returns the current state
func (m *Motor) State() State { return m.state }

// Commanded returns the last commanded angle and its voltage
func (m *Motor) Commanded() (angle, voltage float64) { return m.angle, m.voltage }

// MaxRange returns the largest |angle| in degrees within the voltage limit
func (m *Motor) MaxRange() float64 {
	return m.cal.VoltageLimit / m.cal.commandGain()
}

// Voltage converts an angle in degrees to the generator level.
// ErrRange is returned if it exceeds the voltage limit or is not a number.
func (m *Motor) Voltage(angle float64) (float64, error) {
	v := m.cal.commandGain()*angle + m.cal.Offset
	if !(math.Abs(v) <= m.cal.VoltageLimit) {
		return v, fmt.Errorf("%w: axis %s %.3f deg needs %.3f V, limit %.3f V", ErrRange, m.axis, angle, v, m.cal.VoltageLimit)
	}
	return v, nil
}

// Command starts a move to angle (degrees) and returns without waiting
func (m *Motor) Command(angle float64) error {
	if m.state == Faulted {
		return fmt.Errorf("%w: %v", ErrFaulted, m.fault)
	}
	v, err := m.Voltage(angle)
	if err != nil {
		return err
	}
	if err := m.scope.ApplyWaveform(m.awg.DCLevel(v)); err != nil {
		return fmt.Errorf("galvo %s: %w", m.axis, err)
	}
	m.angle, m.voltage = angle, v
	m.state = Commanding
	return nil
}

func (m *Motor) capture() (oscilloscope.Waveform, error) {
	if err := m.scope.Arm(); err != nil {
		return oscilloscope.Waveform{}, err
	}
	if err := m.scope.WaitReady(captureTimeout); err != nil {
		return oscilloscope.Waveform{}, fmt.Errorf("galvo %s: %w", m.axis, err)
	}
	return m.scope.Read()
}

// Position returns the mirror angle in degrees from the position feedback
func (m *Motor) Position() (float64, error) {
	wav, err := m.capture()
	if err != nil {
		return 0, err
	}
	return wav.Channels["A"].Mean()/m.cal.OutputDegPerVolt - m.cal.Offset/m.cal.commandGain(), nil
}

// PositionError returns the mean servo error in degrees
func (m *Motor) PositionError() (float64, error) {
	wav, err := m.capture()
	if err != nil {
		return 0, err
	}
	return wav.Channels["B"].Mean() * m.cal.ErrorDegPerVolt, nil
}

// IsMoving is true when the mean absolute servo error exceeds the tolerance
func (m *Motor) IsMoving() (bool, error) {
	wav, err := m.capture()
	if err != nil {
		return false, err
	}
	return wav.Channels["B"].MeanAbs()*m.cal.ErrorDegPerVolt > m.cal.MovingTol, nil
}

// verify checks the mirror is within 10 tolerances of angle
func (m *Motor) verify(angle float64) error {
	pos, err := m.Position()
	if err != nil {
		return err
	}
	if math.Abs(pos-angle) >= 10*m.cal.MovingTol {
		m.state = Idle
		return fmt.Errorf("%w: axis %s at %.3f deg, commanded %.3f deg", ErrPositionMismatch, m.axis, pos, angle)
	}
	m.state = Stable
	return nil
}

// Settle moves to angle (degrees) and blocks until the mirror is at rest,
// polling at the step response.  ErrSettleTimeout is returned if it is still
// moving after two fullscale responses, ErrPositionMismatch if it came to
// rest away from angle.
func (m *Motor) Settle(angle float64) error {
	if err := m.Command(angle); err != nil {
		return err
	}
	m.state = Settling
	timeout := 2 * m.cal.FullscaleResponse
	lim := newPoller(m.cal.StepResponse)
	start := time.Now()
	for {
		moving, err := m.IsMoving()
		if err != nil {
			return err
		}
		if !moving {
			break
		}
		if time.Since(start) > timeout {
			m.state = Idle
			return fmt.Errorf("%w: axis %s after %v", ErrSettleTimeout, m.axis, timeout)
		}
		time.Sleep(lim.Reserve().Delay())
	}
	return m.verify(angle)
}

// newPoller paces telemetry polls at one per step.  The initial token is
// spent so the second poll already waits a full step.
func newPoller(step time.Duration) *rate.Limiter {
	lim := rate.NewLimiter(rate.Every(step), 1)
	lim.Allow()
	return lim
}

func (m *Motor) fail(fault error) error {
	m.state = Faulted
	m.fault = &MotorError{Axis: m.axis, Fault: fault}
	m.logf("%v", fault)
	return m.fault
}

// Diagnose runs the self-test: after a long rest the mirror must be still,
// then it must follow a +/-5 degree round trip.  A failure is classified in a
// *MotorError and leaves the motor Faulted.  A plain error is an instrument
// failure.
func (m *Motor) Diagnose() error {
	if m.state == Faulted {
		return m.fault
	}
	m.logf("checking motor")
	time.Sleep(10 * m.cal.FullscaleResponse)
	moving, err := m.IsMoving()
	if err != nil {
		return err
	}
	if moving {
		return m.fail(ErrExternalDisturbance)
	}
	for _, angle := range []float64{diagnoseAngle, -diagnoseAngle} {
		err := m.Settle(angle)
		switch {
		case err == nil:
		case errors.Is(err, ErrSettleTimeout):
			return m.fail(ErrStalledMotor)
		case errors.Is(err, ErrPositionMismatch):
			return m.fail(ErrWiringFault)
		default:
			return err
		}
	}
	return nil
}
