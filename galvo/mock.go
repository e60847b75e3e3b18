package galvo

import (
	"github.com/nasa-jpl/ldvscan/digitizer"
)

// NewMock returns a simulated scope and mirror that respond the way cal
// describes.  The mirror responds with a time constant of a tenth of the
// fullscale response.
func NewMock(cal Calibration) *digitizer.MockGalvo {
	return digitizer.NewMockGalvo(cal.Serial, digitizer.Plant{
		CommandGain:   cal.commandGain(),
		CommandOffset: cal.Offset,
		OutputScale:   cal.OutputDegPerVolt,
		ErrorScale:    cal.ErrorDegPerVolt,
		TimeConstant:  cal.FullscaleResponse / 10,
		StallHold:     5 * cal.FullscaleResponse,
		Disturbance:   10 * cal.MovingTol,
	})
}
