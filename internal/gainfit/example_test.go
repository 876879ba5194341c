package gainfit_test

import (
	"fmt"

	"freqresp/internal/gainfit"
)

func ExampleParams_Eval() {
	p := gainfit.Params{Kind: gainfit.Simple, Gain: 2, CutoffL: 20, CutoffH: 5000, OrderL: 1, OrderH: 1}

	for _, f := range []float64{1000, 100, 10} {
		fmt.Printf("%5.0f Hz: %.4f\n", f, p.Eval(f))
	}
	// Output:
	//  1000 Hz: 1.9608
	//   100 Hz: 1.9608
	//    10 Hz: 0.8944
}

func ExampleFit() {
	truth := gainfit.Params{Kind: gainfit.Simple, Gain: 5, CutoffL: 10, CutoffH: 30000, OrderL: 1, OrderH: 1}

	var freq, gain []float64
	for f := 1.0; f <= 1e5; f *= 1.2 {
		freq = append(freq, f)
		gain = append(gain, truth.Eval(f))
	}

	res, err := gainfit.Fit(gainfit.Simple, freq, gain)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Printf("gain %.2f, band %.1f Hz .. %.0f Hz\n", res.Params.Gain, res.Params.CutoffL, res.Params.CutoffH)
	// Output:
	// gain 5.00, band 10.0 Hz .. 30000 Hz
}
