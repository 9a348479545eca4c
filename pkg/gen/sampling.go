package gen

import (
	"math"
	"math/rand/v2"
	"sort"
)

// sampleToken draws one token from a logit vector and returns it with
// the softmax probability the distribution assigned to it.
func sampleToken(rng *rand.Rand, logits []float32, cfg Config) (int32, float64) {
	probs := softmax(logits, cfg.Temperature)
	if cfg.TypicalFiltering {
		typicalFilter(probs, cfg.TypicalMass, cfg.TypicalMinTokens)
	}
	if cfg.TopP > 0 && cfg.TopP < 1 {
		topPFilter(probs, cfg.TopP)
	}
	renormalize(probs)

	// Gumbel-max draw over the filtered distribution.
	best, bestScore := 0, math.Inf(-1)
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		s := math.Log(p) + gumbel(rng)
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return int32(best), probs[best]
}

func softmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxL := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxL {
			maxL = float64(v)
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp((float64(v) - maxL) / temperature)
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// topPFilter zeroes everything outside the smallest set of tokens whose
// cumulative probability reaches p. The most probable token always
// survives.
func topPFilter(probs []float64, p float64) {
	order := argsortDesc(probs)
	var cum float64
	cut := len(order)
	for i, idx := range order {
		cum += probs[idx]
		if cum >= p {
			cut = i + 1
			break
		}
	}
	for _, idx := range order[cut:] {
		probs[idx] = 0
	}
}

// typicalFilter keeps the tokens whose information content is closest
// to the distribution's entropy until mass probability is covered, but
// never fewer than minTokens.
func typicalFilter(probs []float64, mass float64, minTokens int) {
	var entropy float64
	for _, p := range probs {
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, len(probs))
	for i, p := range probs {
		surprise := math.Inf(1)
		if p > 0 {
			surprise = -math.Log(p)
		}
		cands = append(cands, cand{idx: i, dist: math.Abs(surprise - entropy)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	keep := make(map[int]bool, minTokens)
	var cum float64
	for i, c := range cands {
		if cum >= mass && i >= minTokens {
			break
		}
		keep[c.idx] = true
		cum += probs[c.idx]
	}
	for i := range probs {
		if !keep[i] {
			probs[i] = 0
		}
	}
}

func renormalize(probs []float64) {
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		// Degenerate filter; fall back to uniform.
		u := 1 / float64(len(probs))
		for i := range probs {
			probs[i] = u
		}
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
}

func argsortDesc(v []float64) []int {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return v[order[i]] > v[order[j]] })
	return order
}

func gumbel(rng *rand.Rand) float64 {
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return -math.Log(-math.Log(u))
}
