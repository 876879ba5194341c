//go:build !ps6000

package picoscope

// Simulated reports whether Open returns a Simulator instead of hardware.
const Simulated = true

// Open returns a Simulator. Build with -tags ps6000 to drive a real unit.
func Open(opts Options) (Instrument, error) {
	return NewSimulator(opts), nil
}
