// Package siggen controls an external SCPI function generator over a serial
// line. It is used instead of the scope's built-in generator when the drive
// signal needs more amplitude or a different source impedance.
package siggen

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"freqresp/internal/instrument"

	"go.bug.st/serial"
)

// Errors returned by the generator.
var (
	ErrTimeout  = errors.New("siggen: no response from instrument")
	ErrResponse = errors.New("siggen: malformed response")
)

const maxLine = 256

// Port is the serial line the generator talks over.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Options configures Open and New.
type Options struct {
	Port      string
	BaudRate  int
	Timeout   time.Duration // read timeout per response
	Amplitude float64       // volts peak to peak
	Offset    float64       // volts
}

// Generator is a SCPI sine source.
type Generator struct {
	port Port
	id   string
}

// Open opens the serial port and prepares the generator for a sweep.
func Open(opts Options) (*Generator, error) {
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(opts.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open generator port %s: %w", opts.Port, err)
	}

	g, err := New(port, opts)
	if err != nil {
		port.Close()
		return nil, err
	}
	return g, nil
}

// New sets up a generator on an already open port: sine output at the
// configured amplitude and offset, output enabled.
func New(port Port, opts Options) (*Generator, error) {
	if opts.Timeout > 0 {
		if err := port.SetReadTimeout(opts.Timeout); err != nil {
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
	}

	g := &Generator{port: port}

	id, err := g.query("*IDN?")
	if err != nil {
		return nil, fmt.Errorf("failed to identify generator: %w", err)
	}
	g.id = id

	setup := []struct {
		cmd   string
		value float64
	}{
		{"*CLS", 0},
		{"FUNC SIN", 0},
		{fmt.Sprintf("VOLT %g", opts.Amplitude), opts.Amplitude},
		{fmt.Sprintf("VOLT:OFFS %g", opts.Offset), opts.Offset},
		{"OUTP ON", 0},
	}
	for _, s := range setup {
		if err := g.command(s.cmd, s.value); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// ID returns the instrument's *IDN? response.
func (g *Generator) ID() string { return g.id }

// SetFrequency implements instrument.SignalGenerator.
func (g *Generator) SetFrequency(hz float64) error {
	return g.command(fmt.Sprintf("FREQ %.6f", hz), hz)
}

// command sends cmd and checks the error queue.
func (g *Generator) command(cmd string, value float64) error {
	op := strings.Fields(cmd)[0]

	if err := g.write(cmd); err != nil {
		return &instrument.CommandError{Op: op, Value: value, Err: err}
	}

	resp, err := g.query("SYST:ERR?")
	if err != nil {
		return &instrument.CommandError{Op: op, Value: value, Err: err}
	}

	code, err := parseError(resp)
	if err != nil {
		return &instrument.CommandError{Op: op, Value: value, Err: err}
	}
	if code != 0 {
		return &instrument.CommandError{Op: op, Status: code, Value: value}
	}
	return nil
}

// parseError extracts the code from a SYST:ERR? reply such as
// `-222,"Data out of range"`.
func parseError(resp string) (int, error) {
	head, _, _ := strings.Cut(resp, ",")
	code, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrResponse, resp)
	}
	return code, nil
}

func (g *Generator) write(cmd string) error {
	_, err := io.WriteString(g.port, cmd+"\n")
	return err
}

func (g *Generator) query(cmd string) (string, error) {
	if err := g.write(cmd); err != nil {
		return "", err
	}
	return g.readLine()
}

// readLine reads up to a newline. The serial driver returns zero bytes
// without an error once the read timeout expires.
func (g *Generator) readLine() (string, error) {
	var line []byte
	buf := make([]byte, 1)

	for len(line) < maxLine {
		n, err := g.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", ErrTimeout
		}
		if buf[0] == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		line = append(line, buf[0])
	}

	return "", fmt.Errorf("%w: line longer than %d bytes", ErrResponse, maxLine)
}

// Close switches the output off and releases the port.
func (g *Generator) Close() error {
	var errs []error
	if err := g.write("OUTP OFF"); err != nil {
		errs = append(errs, fmt.Errorf("failed to disable output: %w", err))
	}
	if err := g.port.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close port: %w", err))
	}
	return errors.Join(errs...)
}
