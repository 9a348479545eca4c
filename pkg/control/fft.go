package control

import (
	"math"
	"math/bits"
)

// rfft computes one-sided power spectra of fixed-length real frames.
// The frame is packed into a half-length complex sequence (even samples
// real, odd samples imaginary), transformed, and the real-input bins
// recovered from conjugate symmetry, so the butterflies only ever touch
// n/2 points. The tables are immutable after construction; the scratch
// buffers are not, so an instance must not be shared across goroutines.
type rfft struct {
	n    int
	rev  []int     // bit-reversal permutation of the packed sequence
	cosT []float64 // cos(pi*k/half), shared by butterflies and unpacking
	sinT []float64 // sin(pi*k/half)
	zre  []float64
	zim  []float64
}

// newRFFT builds the tables for frames of n samples. n must be a power
// of 2 and at least 4.
func newRFFT(n int) *rfft {
	half := n / 2
	f := &rfft{
		n:    n,
		rev:  make([]int, half),
		cosT: make([]float64, half),
		sinT: make([]float64, half),
		zre:  make([]float64, half),
		zim:  make([]float64, half),
	}
	logHalf := bits.TrailingZeros(uint(half))
	for i := 1; i < half; i++ {
		f.rev[i] = f.rev[i>>1]>>1 | (i&1)<<(logHalf-1)
	}
	for k := 0; k < half; k++ {
		f.cosT[k] = math.Cos(math.Pi * float64(k) / float64(half))
		f.sinT[k] = math.Sin(math.Pi * float64(k) / float64(half))
	}
	return f
}

// Power writes the first n/2 power bins of x into out. len(x) must be
// at least n and len(out) at least n/2.
func (f *rfft) Power(x, out []float64) {
	half := f.n / 2

	// Pack with the permutation already applied, so every stage below
	// is a straight in-order butterfly pass.
	for k := 0; k < half; k++ {
		j := f.rev[k]
		f.zre[k] = x[2*j]
		f.zim[k] = x[2*j+1]
	}

	for size := 2; size <= half; size <<= 1 {
		step := (half << 1) / size
		for base := 0; base < half; base += size {
			for k := 0; k < size/2; k++ {
				m := k * step
				wr, wi := f.cosT[m], -f.sinT[m]
				a, b := base+k, base+k+size/2
				tr := wr*f.zre[b] - wi*f.zim[b]
				ti := wr*f.zim[b] + wi*f.zre[b]
				f.zre[b] = f.zre[a] - tr
				f.zim[b] = f.zim[a] - ti
				f.zre[a] += tr
				f.zim[a] += ti
			}
		}
	}

	// Z[k] interleaves the transforms of the even and odd samples.
	// Split them with conjugate symmetry and recombine into X[k].
	for k := 0; k < half; k++ {
		j := (half - k) % half
		er := (f.zre[k] + f.zre[j]) / 2
		ei := (f.zim[k] - f.zim[j]) / 2
		or := (f.zim[k] + f.zim[j]) / 2
		oi := (f.zre[j] - f.zre[k]) / 2
		wr, wi := f.cosT[k], -f.sinT[k]
		xr := er + wr*or - wi*oi
		xi := ei + wr*oi + wi*or
		out[k] = xr*xr + xi*xi
	}
}

// hannWindow returns an n-point symmetric Hann window.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	step := 2 * math.Pi / float64(n-1)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(step*float64(i)))
	}
	return w
}
