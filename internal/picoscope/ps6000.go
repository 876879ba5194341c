//go:build ps6000

package picoscope

/*
#cgo CFLAGS: -I/opt/picoscope/include/libps6000
#cgo LDFLAGS: -L/opt/picoscope/lib -lps6000
#include <stdlib.h>
#include <ps6000Api.h>
*/
import "C"

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"freqresp/internal/instrument"
	"freqresp/internal/version"
)

// Simulated reports whether Open returns a Simulator instead of hardware.
const Simulated = false

func init() {
	version.Hardware = "ps6000"
}

const pollInterval = time.Millisecond

// Device is an opened PicoScope 6000 unit.
type Device struct {
	handle  C.int16_t
	inputs  [2]C.PS6000_CHANNEL
	ranges  [2]int
	atten   [2]float64
	vpp     float64
	offset  float64
	timeout time.Duration

	timebase uint32
	samples  int
	info     string
}

// Open opens the unit with the given serial number, or the first unit found.
func Open(opts Options) (Instrument, error) {
	d := &Device{
		vpp:     opts.DriveVpp,
		offset:  opts.DriveOffset,
		timeout: opts.CaptureTimeout,
		atten:   [2]float64{1, 1},
	}

	for i, name := range opts.Inputs {
		ch, err := ParseInput(name)
		if err != nil {
			return nil, err
		}
		d.inputs[i] = C.PS6000_CHANNEL(ch)
	}

	var serial *C.int8_t
	if opts.SerialNumber != "" {
		cs := C.CString(opts.SerialNumber)
		defer C.free(unsafe.Pointer(cs))
		serial = (*C.int8_t)(unsafe.Pointer(cs))
	}

	if status := C.ps6000OpenUnit(&d.handle, serial); status != C.PICO_OK {
		return nil, &instrument.CommandError{Op: "OpenUnit", Status: int(status)}
	}

	// Unused inputs stay off so they do not share the sample memory.
	for ch := C.PS6000_CHANNEL(0); ch < 4; ch++ {
		if ch == d.inputs[0] || ch == d.inputs[1] {
			continue
		}
		C.ps6000SetChannel(d.handle, ch, 0, C.PS6000_DC_1M, C.PS6000_RANGE(rangeEnumOffset), 0, C.PS6000_BW_FULL)
	}

	d.info = fmt.Sprintf("PicoScope %s (serial %s)", d.unitInfo(C.PICO_VARIANT_INFO), d.unitInfo(C.PICO_BATCH_AND_SERIAL))
	return d, nil
}

func (d *Device) unitInfo(info C.PICO_INFO) string {
	buf := make([]C.int8_t, 64)
	var required C.int16_t
	if status := C.ps6000GetUnitInfo(d.handle, &buf[0], C.int16_t(len(buf)), &required, info); status != C.PICO_OK {
		return "unknown"
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}

// Info implements Instrument.
func (d *Device) Info() string { return d.info }

// ConfigureChannel implements instrument.ChannelConfigurer. The hardware
// range is the smallest one holding rangeV at the probe tip.
func (d *Device) ConfigureChannel(ch instrument.Channel, coupling instrument.Coupling, rangeV, attenuation float64) error {
	var ctype C.PS6000_COUPLING
	switch coupling {
	case instrument.CouplingAC:
		ctype = C.PS6000_AC
	case instrument.CouplingDC50:
		ctype = C.PS6000_DC_50R
	default:
		ctype = C.PS6000_DC_1M
	}

	idx := selectRange(rangeV / attenuation)
	status := C.ps6000SetChannel(d.handle, d.inputs[ch], 1, ctype, C.PS6000_RANGE(idx+rangeEnumOffset), 0, C.PS6000_BW_FULL)
	if status != C.PICO_OK {
		return &instrument.CommandError{Op: "SetChannel", Status: int(status), Value: rangeV}
	}

	d.ranges[ch] = idx
	d.atten[ch] = attenuation
	return nil
}

// SetTrigger implements instrument.Scope.
func (d *Device) SetTrigger(ch instrument.Channel, thresholdV float64) error {
	full := Ranges[d.ranges[ch]] * d.atten[ch]
	counts := C.int16_t(thresholdV / full * maxValue)

	// auto-trigger after 1 s so a dead input does not hang the sweep
	status := C.ps6000SetSimpleTrigger(d.handle, 1, d.inputs[ch], counts, C.PS6000_RISING, 0, 1000)
	if status != C.PICO_OK {
		return &instrument.CommandError{Op: "SetSimpleTrigger", Status: int(status), Value: thresholdV}
	}
	return nil
}

// SetSampleRate implements instrument.Scope.
func (d *Device) SetSampleRate(targetHz float64, samples int) (float64, error) {
	tb, rate := Timebase(targetHz)

	var intervalNs C.float
	var maxSamples C.uint32_t
	status := C.ps6000GetTimebase2(d.handle, C.uint32_t(tb), C.uint32_t(samples), &intervalNs, 0, &maxSamples, 0)
	if status != C.PICO_OK {
		return 0, &instrument.CommandError{Op: "GetTimebase2", Status: int(status), Value: targetHz}
	}

	if intervalNs > 0 {
		rate = 1e9 / float64(intervalNs)
	}

	d.timebase = tb
	d.samples = samples
	return rate, nil
}

// SetFrequency implements instrument.SignalGenerator using the built-in
// arbitrary waveform generator in fixed-frequency sine mode.
func (d *Device) SetFrequency(hz float64) error {
	status := C.ps6000SetSigGenBuiltInV2(d.handle,
		C.int32_t(d.offset*1e6), C.uint32_t(d.vpp*1e6), C.PS6000_SINE,
		C.double(hz), C.double(hz), 0, 0,
		C.PS6000_UP, C.PS6000_ES_OFF, 0, 0,
		C.PS6000_SIGGEN_RISING, C.PS6000_SIGGEN_NONE, 0)
	if status != C.PICO_OK {
		return &instrument.CommandError{Op: "SetSigGenBuiltInV2", Status: int(status), Value: hz}
	}
	return nil
}

// CaptureBlock implements instrument.Scope.
func (d *Device) CaptureBlock(ctx context.Context) ([]float64, []float64, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var indisposed C.int32_t
	status := C.ps6000RunBlock(d.handle, 0, C.uint32_t(d.samples), C.uint32_t(d.timebase), 0, &indisposed, 0, nil, nil)
	if status != C.PICO_OK {
		return nil, nil, &instrument.CommandError{Op: "RunBlock", Status: int(status)}
	}

	if err := d.waitReady(ctx); err != nil {
		C.ps6000Stop(d.handle)
		return nil, nil, err
	}

	// The driver keeps the buffer pointers until GetValues, so they live in C memory.
	var raw [2][]int16
	for i, ch := range d.inputs {
		buf := (*C.int16_t)(C.malloc(C.size_t(d.samples) * C.size_t(unsafe.Sizeof(C.int16_t(0)))))
		defer C.free(unsafe.Pointer(buf))
		raw[i] = unsafe.Slice((*int16)(unsafe.Pointer(buf)), d.samples)

		status := C.ps6000SetDataBuffer(d.handle, ch, buf, C.uint32_t(d.samples), C.PS6000_RATIO_MODE_NONE)
		if status != C.PICO_OK {
			return nil, nil, &instrument.CommandError{Op: "SetDataBuffer", Status: int(status)}
		}
	}

	n := C.uint32_t(d.samples)
	var overflow C.int16_t
	status = C.ps6000GetValues(d.handle, 0, &n, 1, C.PS6000_RATIO_MODE_NONE, 0, &overflow)
	if status != C.PICO_OK {
		return nil, nil, &instrument.CommandError{Op: "GetValues", Status: int(status)}
	}

	a := toVolts(raw[0][:n], Ranges[d.ranges[0]], d.atten[0])
	b := toVolts(raw[1][:n], Ranges[d.ranges[1]], d.atten[1])
	return a, b, nil
}

func (d *Device) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var ready C.int16_t
		if status := C.ps6000IsReady(d.handle, &ready); status != C.PICO_OK {
			return &instrument.CommandError{Op: "IsReady", Status: int(status)}
		}
		if ready != 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %v", instrument.ErrCaptureTimeout, d.timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the generator and releases the unit.
func (d *Device) Close() error {
	C.ps6000SetSigGenBuiltInV2(d.handle, 0, 0, C.PS6000_SINE, 0, 0, 0, 0,
		C.PS6000_UP, C.PS6000_ES_OFF, 0, 0, C.PS6000_SIGGEN_RISING, C.PS6000_SIGGEN_NONE, 0)
	C.ps6000Stop(d.handle)

	if status := C.ps6000CloseUnit(d.handle); status != C.PICO_OK {
		return &instrument.CommandError{Op: "CloseUnit", Status: int(status)}
	}
	return nil
}
