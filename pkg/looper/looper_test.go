package looper_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/codec"
	"github.com/loopgen/loopgen/pkg/gen"
	"github.com/loopgen/loopgen/pkg/grid"
	"github.com/loopgen/loopgen/pkg/looper"
	"github.com/loopgen/loopgen/pkg/mask"
	"github.com/loopgen/loopgen/pkg/serve"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestCaptureQuantizesToHop(t *testing.T) {
	e := looper.NewEngine(looper.DefaultConfig())
	if err := e.Capture(sine(220, 44100, 44100+300)); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if e.Len() != 44032 { // 86 whole hops of 512
		t.Fatalf("loop length = %d, want 44032", e.Len())
	}
	if e.Steps() != 86 {
		t.Fatalf("loop steps = %d, want 86", e.Steps())
	}
}

func TestCaptureRejectsSubHop(t *testing.T) {
	e := looper.NewEngine(looper.DefaultConfig())
	if err := e.Capture(sine(220, 44100, 100)); err == nil {
		t.Fatal("sub-hop capture accepted")
	}
}

func TestCaptureRejectsTooLong(t *testing.T) {
	cfg := looper.DefaultConfig()
	cfg.MaxSeconds = 0.5
	e := looper.NewEngine(cfg)
	if err := e.Capture(sine(220, 44100, 44100)); !errors.Is(err, looper.ErrLoopTooLong) {
		t.Fatalf("got %v, want ErrLoopTooLong", err)
	}
}

func TestOverdubWraps(t *testing.T) {
	e := looper.NewEngine(looper.DefaultConfig())
	base := make([]float32, 1024)
	if err := e.Capture(base); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	dub := make([]float32, 1536) // 1.5 loops
	for i := range dub {
		dub[i] = 0.1
	}
	if err := e.Overdub(dub, 1.0); err != nil {
		t.Fatalf("Overdub: %v", err)
	}

	loop, err := e.Loop()
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	// First half received two layers, second half one.
	if got := loop[0]; math.Abs(float64(got)-0.2) > 1e-6 {
		t.Fatalf("wrapped region = %f, want 0.2", got)
	}
	if got := loop[1000]; math.Abs(float64(got)-0.1) > 1e-6 {
		t.Fatalf("single region = %f, want 0.1", got)
	}
}

func TestSwapCrossfadesSeam(t *testing.T) {
	cfg := looper.DefaultConfig()
	cfg.CrossfadeMS = 10
	e := looper.NewEngine(cfg)

	old := make([]float32, 2048)
	for i := range old {
		old[i] = 1
	}
	if err := e.Capture(old); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	next := make([]float32, 2048)
	for i := range next {
		next[i] = -1
	}
	if err := e.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	loop, _ := e.Loop()
	// Sample 0 starts at the old value, the fade end reaches the new one.
	if loop[0] < 0.9 {
		t.Fatalf("seam start = %f, want near old value 1", loop[0])
	}
	fade := int(10.0 / 1000 * 44100)
	if loop[fade+1] != -1 {
		t.Fatalf("post-fade sample = %f, want -1", loop[fade+1])
	}
	// The seam must be monotone, no jump back.
	for i := 1; i <= fade; i++ {
		if loop[i] > loop[i-1]+1e-4 {
			t.Fatalf("seam not monotone at %d: %f -> %f", i, loop[i-1], loop[i])
		}
	}
}

func TestSwapRejectsLengthChange(t *testing.T) {
	e := looper.NewEngine(looper.DefaultConfig())
	if err := e.Capture(make([]float32, 1024)); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := e.Swap(make([]float32, 512)); err == nil {
		t.Fatal("length-changing swap accepted")
	}
}

// echoClient leaves every grid untouched, so a vamp round-trips the
// loop through the codec only.
type echoClient struct{ requests []*serve.GenerateRequest }

func (c *echoClient) Generate(_ context.Context, req *serve.GenerateRequest) (*serve.GenerateResponse, error) {
	c.requests = append(c.requests, req)
	return &serve.GenerateResponse{Codes: req.Codes.Clone()}, nil
}

func testVamper(t *testing.T, client looper.Generator) (*looper.Vamper, *looper.Engine) {
	t.Helper()
	e := looper.NewEngine(looper.DefaultConfig())
	if err := e.Capture(sine(220, 44100, 22016)); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	cdc, err := codec.NewSynth(codec.DefaultSynthConfig())
	if err != nil {
		t.Fatalf("NewSynth: %v", err)
	}
	v, err := looper.NewVamper(e, cdc, nil, mask.New(9), client)
	if err != nil {
		t.Fatalf("NewVamper: %v", err)
	}
	return v, e
}

func TestVampPreservesLength(t *testing.T) {
	client := &echoClient{}
	v, e := testVamper(t, client)
	before := e.Len()

	err := v.Vamp(context.Background(), looper.VampOptions{
		Masking: mask.Config{Policy: mask.PolicyPerStep, Ratio: 0.4},
	})
	if err != nil {
		t.Fatalf("Vamp: %v", err)
	}
	if e.Len() != before {
		t.Fatalf("loop length changed: %d -> %d", before, e.Len())
	}
	if len(client.requests) != 1 {
		t.Fatalf("client saw %d requests, want 1", len(client.requests))
	}
	if got := client.requests[0].Codes.Steps(); got != before/512 {
		t.Fatalf("request had %d steps, want %d", got, before/512)
	}
}

func TestVampMaskRatioReachesClient(t *testing.T) {
	client := &echoClient{}
	v, _ := testVamper(t, client)

	err := v.Vamp(context.Background(), looper.VampOptions{
		Masking: mask.Config{Policy: mask.PolicyPerCell, Ratio: 0.3},
	})
	if err != nil {
		t.Fatalf("Vamp: %v", err)
	}
	cm := client.requests[0].CodesMask
	total := cm.Levels() * cm.Steps()
	want := 0.3 * float64(total)
	if diff := math.Abs(float64(cm.Count()) - want); diff > 1 {
		t.Fatalf("mask count %d, want about %.0f", cm.Count(), want)
	}
}

func TestVampAgainstServer(t *testing.T) {
	manifest := checkpoint.Manifest{Levels: 4, VocabSize: 1024, HopLength: 512, SampleRate: 44100}
	sampling := gen.DefaultConfig()
	sampling.Seed = 3
	srv, err := serve.New(passModel{}, manifest, sampling, slog.Default())
	if err != nil {
		t.Fatalf("serve.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := looper.DialStream(context.Background(),
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer client.Close()

	v, e := testVamper(t, client)
	before := e.Len()
	err = v.Vamp(context.Background(), looper.VampOptions{
		Masking: mask.Config{Policy: mask.PolicySpan, Ratio: 0.25, SpanLen: 8},
	})
	if err != nil {
		t.Fatalf("Vamp: %v", err)
	}
	if e.Len() != before {
		t.Fatalf("loop length changed: %d -> %d", before, e.Len())
	}
}

// passModel puts all probability on token 0 at every position.
type passModel struct{}

func (passModel) Logits(_ context.Context, codes *grid.CodeGrid, _ *grid.ControlGrid, _ *grid.ControlMask) ([][][]float32, error) {
	out := make([][][]float32, codes.Levels())
	for l := range out {
		out[l] = make([][]float32, codes.Steps())
		for t := range out[l] {
			v := make([]float32, 1024)
			v[0] = 30
			out[l][t] = v
		}
	}
	return out, nil
}
