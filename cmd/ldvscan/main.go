package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/ldvscan/config"
	"github.com/nasa-jpl/ldvscan/readout"
	"github.com/nasa-jpl/ldvscan/scan"
	"github.com/nasa-jpl/ldvscan/scanpath"
	"github.com/nasa-jpl/ldvscan/storage"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ldvscan.yml"

	stdin = bufio.NewReader(os.Stdin)
)

func root() {
	str := `ldvscan drives a galvo-steered laser Doppler vibrometer over a sample and
records the vibration at every point of a scan path.

Usage:
	ldvscan <command> [args]

Commands:
	run
	calibrate
	path [file.csv]
	dump [file.csv]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ldvscan is configured by ldvscan.yml in the working directory.  For a primer
on YAML, see https://yaml.org/start.html.  "ldvscan mkconf" writes the defaults
to the file; any key left out of the file keeps its default.

Mock: true replaces every instrument with a simulation, useful to rehearse a
scan or try a configuration.

Readout.Board selects the readout:
- analog: the external mixing board.  Its reference synthesizer is found by
  trying Readout.PLL.Addrs in order; an address is a serial port
  (/dev/ttyACM0, COM3), a usb:VID:PID pair or a host:port.  The reference must
  be synchronized with the board disconnected from the transducer before
  every scan.
- digital: the photodiode is demodulated in software with
  Readout.Demodulator, lockin or hilbert.  Readout.Demod.SampleRate must match
  the sample rate of Readout.Scan.

Path describes the scanned region:
- Type: circle with RadiusMM, rectangle with XLengthMM and YLengthMM as
  half extents, or custom with PointsMM, a list of [x, y] scanned in order
- ResolutionUM is the spacing of the hexagonal lattice
- XOffsetMM and YOffsetMM move the region off the optical axis

Each run writes to a new folder in ResultsFolder named after the start time:
config.yml with the configuration and path of the session, and data_N.fits
every Scan.FlushEvery points.

Commands:
- run        synchronize (analog board), center, then scan the path
- calibrate  synchronize the reference of the analog board and report
- path       plan the path and print its extent, optionally write it as CSV
- dump       take one readout at the optical axis and write it as CSV
- mkconf     write the effective configuration to ldvscan.yml
- conf       print the effective configuration`
	fmt.Println(str)
}

func loadConfig() config.Rig {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if err = c.Validate(); err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = config.Encode(f, c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err = config.Encode(os.Stdout, c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ldvscan version %v\n", Version)
}

// confirm asks a yes/no question on the terminal
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func newSpinner(suffix string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

// synchronize runs the reference calibration of the analog board behind a
// spinner
func synchronize(a *readout.Analog, c readout.Confirmer) (readout.Calibration, error) {
	ok, err := c.Confirm(readout.CalibrationPrompt)
	if err != nil {
		return readout.Calibration{}, err
	}
	if !ok {
		return readout.Calibration{}, readout.ErrNotConfirmed
	}
	sp := newSpinner("synchronizing reference")
	sp.Start()
	// the operator already answered, do not ask again behind the spinner
	cal, err := a.Synchronize(readout.ConfirmFunc(func(string) (bool, error) { return true, nil }))
	if err != nil {
		sp.StopFailMessage(err.Error())
		sp.StopFail()
		return cal, err
	}
	if cal.Found {
		sp.StopMessage(fmt.Sprintf("best noise %.4g, threshold %.4g", cal.Best, cal.Threshold))
		sp.Stop()
	} else {
		sp.StopFailMessage(fmt.Sprintf("threshold %.4g not reached, best %.4g", cal.Threshold, cal.Best))
		sp.StopFail()
	}
	return cal, nil
}

func calibrate() {
	c := loadConfig()
	if c.Readout.Board != config.BoardAnalog {
		log.Fatalf("only the %s board has a reference to calibrate", config.BoardAnalog)
	}
	r, err := openRig(c)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	if _, err = synchronize(r.analog, readout.ConfirmFunc(confirm)); err != nil {
		log.Println(err)
	}
}

func snapshot(c config.Rig, path scanpath.Path, started time.Time) storage.Snapshot {
	pts := make([][2]float64, len(path))
	for i, p := range path {
		pts[i] = [2]float64{p.X, p.Y}
	}
	return storage.Snapshot{
		Started:  started,
		Lens:     c.Lens,
		LensSpec: c.Lenses[c.Lens],
		Region:   c.Path,
		Path:     pts,
		Instruments: map[string]interface{}{
			"galvo":       c.GalvoScope.Snapshot(),
			"calibration": c.Calibrations,
			"readout":     c.Readout.Scan.Snapshot(),
			"sync":        c.Readout.Calibration.Snapshot(),
			"pll":         c.Readout.PLL,
			"board":       c.Readout.Board,
			"demod":       c.Readout.Demod,
			"demodulator": c.Readout.Demodulator,
			"scan":        c.Scan,
		},
	}
}

func run() {
	c := loadConfig()
	path, err := c.Path.Design()
	if err != nil {
		log.Fatal(err)
	}
	r, err := openRig(c)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	if err = runScan(r, path); err != nil {
		log.Println(err)
		r.Close()
		os.Exit(1)
	}
}

func runScan(r *rig, path scanpath.Path) error {
	c := r.cfg
	confirmer := readout.ConfirmFunc(confirm)
	if err := r.ready(confirmer); err != nil {
		return err
	}
	started := time.Now()
	dir := storage.SessionDir(c.ResultsFolder, started)
	sink, err := storage.NewFITS(dir)
	if err != nil {
		return err
	}
	if err = storage.WriteSnapshot(dir, snapshot(c, path, started)); err != nil {
		return err
	}
	s, err := scan.New(r.sys, r.board, sink, path)
	if err != nil {
		return err
	}
	if c.CenteringLoops > 0 {
		if err = s.CenteringTest(confirmer, c.CenteringLoops, c.Scan); err != nil {
			return err
		}
	}
	sp := newSpinner("scanning")
	s.Progress = func(i, n int, _ readout.Readout) {
		sp.Message(fmt.Sprintf("%d/%d", i+1, n))
	}
	sp.Start()
	if err = s.Run(c.Scan); err != nil {
		sp.StopFailMessage(fmt.Sprintf("aborted, readouts so far are in %s", dir))
		sp.StopFail()
		return err
	}
	sp.StopMessage(fmt.Sprintf("%d points saved to %s", len(path), dir))
	sp.Stop()
	return nil
}

func writePathCSV(name string, path scanpath.Path) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "x,y")
	for _, p := range path {
		fmt.Fprintf(w, "%g,%g\n", p.X, p.Y)
	}
	if err = w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func planPath(args []string) {
	c := loadConfig()
	path, err := c.Path.Design()
	if err != nil {
		log.Fatal(err)
	}
	lo, hi := scanpath.Bounds(path)
	fmt.Printf("%d points, x [%.4g, %.4g] mm, y [%.4g, %.4g] mm\n",
		len(path), lo.X*1e3, hi.X*1e3, lo.Y*1e3, hi.Y*1e3)
	if len(args) > 0 {
		if err = writePathCSV(args[0], path); err != nil {
			log.Fatal(err)
		}
	}
}

func dump(args []string) {
	c := loadConfig()
	r, err := openRig(c)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	if err = dumpReadout(r, args); err != nil {
		log.Println(err)
	}
}

func dumpReadout(r *rig, args []string) error {
	if err := r.ready(readout.ConfirmFunc(confirm)); err != nil {
		return err
	}
	if err := r.sys.Move(0, 0, r.cfg.Scan.Attempts); err != nil {
		return err
	}
	ro, err := r.board.Read(r.cfg.Scan.Attempts, r.cfg.Scan.SegmentDelay)
	if err != nil {
		return err
	}
	wav := ro.Waveform()
	if len(args) == 0 {
		return wav.EncodeCSV(os.Stdout)
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err = wav.EncodeCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "calibrate":
		calibrate()
	case "path":
		planPath(args[2:])
	case "dump":
		dump(args[2:])
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
