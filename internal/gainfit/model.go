package gainfit

import (
	"fmt"
	"math"
	"strings"
)

// Kind selects the magnitude model.
type Kind int

const (
	Simple Kind = iota
	Hybrid
)

func (k Kind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Hybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts "simple" or "hybrid" in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return Simple, nil
	case "hybrid":
		return Hybrid, nil
	default:
		return 0, fmt.Errorf("%w: %q (must be 'simple' or 'hybrid')", ErrUnknownKind, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := models[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// NumParams returns the number of free parameters of the model.
func (k Kind) NumParams() int {
	return len(models[k].names)
}

// modelDef describes one model kind: parameter order, start point, box and
// evaluation. Parameter vectors always begin gain, cutoffL, cutoffH,
// orderL, orderH.
type modelDef struct {
	names []string
	guess []float64
	lower []float64
	upper []float64
	eval  func(f float64, p []float64) float64
}

var models = map[Kind]modelDef{
	Simple: {
		names: []string{"gain", "cutoffL", "cutoffH", "orderL", "orderH"},
		guess: []float64{10, 20, 10000, 1, 1},
		lower: []float64{0, 0.5, 5e3, 0.5, 0.5},
		upper: []float64{500, 5e3, 5e5, 20, 20},
		eval:  simple,
	},
	Hybrid: {
		names: []string{"gain", "cutoffL", "cutoffH", "orderL", "orderH", "b", "c", "d", "e"},
		guess: []float64{10, 20, 10000, 1, 1, 0, 0, 0, 0},
		lower: []float64{0, 0.5, 5e3, 0.5, 0.5, -1, -1, -1, -1},
		upper: []float64{500, 5e3, 5e5, 5, 5, 1, 1, 1, 1},
		eval:  hybrid,
	},
}

// lowpass and highpass are first-order magnitudes.
func lowpass(f, cutoff float64) float64  { return 1 / math.Hypot(1, f/cutoff) }
func highpass(f, cutoff float64) float64 { return 1 / math.Hypot(1, cutoff/f) }

func simple(f float64, p []float64) float64 {
	gain, cutL, cutH, ordL, ordH := p[0], p[1], p[2], p[3], p[4]
	return gain * math.Pow(lowpass(f, cutH), ordH) * math.Pow(highpass(f, cutL), ordL)
}

func hybrid(f float64, p []float64) float64 {
	gain, cutL, cutH, ordL, ordH := p[0], p[1], p[2], p[3], p[4]

	// centered between the cutoffs in log space
	lf := math.Log10(f * math.Sqrt(cutL/cutH))
	poly := 1 + lf*(p[5]+lf*(p[6]+lf*(p[7]+lf*p[8])))

	lp, hp := lowpass(f, cutH), highpass(f, cutL)
	physical := math.Pow(lp, ordH) * math.Pow(hp, ordL)
	ratio := (lp * hp) * (lp * hp)

	return gain * (poly*ratio + physical*(1-ratio))
}

// Params is a fitted gain model. It is a plain value: evaluating it has no
// side effects and copies are independent.
type Params struct {
	Kind    Kind       `json:"kind" yaml:"kind"`
	Gain    float64    `json:"gain" yaml:"gain"`
	CutoffL float64    `json:"cutoff_low" yaml:"cutoff_low"`
	CutoffH float64    `json:"cutoff_high" yaml:"cutoff_high"`
	OrderL  float64    `json:"order_low" yaml:"order_low"`
	OrderH  float64    `json:"order_high" yaml:"order_high"`
	Shape   [4]float64 `json:"shape,omitempty" yaml:"shape,flow,omitempty"`
}

// Field is one named parameter value.
type Field struct {
	Name  string
	Value float64
}

// Eval returns the model gain at frequency f (Hz), or NaN when Kind is not
// a known model.
func (p Params) Eval(f float64) float64 {
	m, ok := models[p.Kind]
	if !ok {
		return math.NaN()
	}
	return m.eval(f, p.vector())
}

// Fields lists the parameters in model order. It is empty for an unknown
// Kind.
func (p Params) Fields() []Field {
	names := models[p.Kind].names
	v := p.vector()

	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = Field{Name: name, Value: v[i]}
	}
	return fields
}

func (p Params) vector() []float64 {
	v := []float64{p.Gain, p.CutoffL, p.CutoffH, p.OrderL, p.OrderH}
	if p.Kind == Hybrid {
		v = append(v, p.Shape[:]...)
	}
	return v
}

func paramsFromVector(kind Kind, v []float64) Params {
	p := Params{
		Kind:    kind,
		Gain:    v[0],
		CutoffL: v[1],
		CutoffH: v[2],
		OrderL:  v[3],
		OrderH:  v[4],
	}
	if kind == Hybrid {
		copy(p.Shape[:], v[5:])
	}
	return p
}
