package checkpoint_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/loopgen/loopgen/pkg/checkpoint"
	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/mask"
)

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	fs, err := checkpoint.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return checkpoint.NewStore(fs)
}

func testManifest(step int) checkpoint.Manifest {
	return checkpoint.Manifest{
		Tag:       "stemgen-rms",
		Step:      step,
		CodesMask: mask.Config{Policy: mask.PolicyPerStep, Ratio: 0.8},
		CtrlMask:  mask.Config{Policy: mask.PolicyPerCell, Ratio: 0.5},
		Control:   control.DefaultConfig(),
		Levels:    4, VocabSize: 1024, HopLength: 512, SampleRate: 44100,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	blob := []byte("opaque model parameters")
	id, err := s.Save(ctx, testManifest(1000), bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("empty checkpoint id")
	}

	m, err := s.Manifest(ctx, id)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.ID != id || m.Step != 1000 || m.Tag != "stemgen-rms" {
		t.Errorf("manifest = %+v", m)
	}
	if m.CodesMask.Policy != mask.PolicyPerStep || m.CodesMask.Ratio != 0.8 {
		t.Errorf("codes mask config not preserved: %+v", m.CodesMask)
	}
	if m.CtrlMask.Policy != mask.PolicyPerCell {
		t.Errorf("ctrl mask config not preserved: %+v", m.CtrlMask)
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	r, err := s.Blob(ctx, id)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("blob = %q, want %q", got, blob)
	}
}

func TestNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Manifest(context.Background(), "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("Latest on empty store: err = %v, want ErrNotFound", err)
	}
}

func TestLatestOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	m1 := testManifest(100)
	m1.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := s.Save(ctx, m1, bytes.NewReader([]byte("a"))); err != nil {
		t.Fatal(err)
	}
	m2 := testManifest(200)
	m2.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	id2, err := s.Save(ctx, m2, bytes.NewReader([]byte("b")))
	if err != nil {
		t.Fatal(err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != id2 || latest.Step != 200 {
		t.Errorf("Latest = step %d id %s, want step 200 id %s", latest.Step, latest.ID, id2)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("List = %d manifests, want 2", len(all))
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	src := newStore(t)
	dst := newStore(t)

	id, err := src.Save(ctx, testManifest(1), bytes.NewReader([]byte("params")))
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Export(ctx, dst, id); err != nil {
		t.Fatalf("Export: %v", err)
	}

	m, err := dst.Manifest(ctx, id)
	if err != nil {
		t.Fatalf("exported manifest: %v", err)
	}
	if m.ID != id {
		t.Errorf("export changed id: %s vs %s", m.ID, id)
	}
	r, err := dst.Blob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "params" {
		t.Errorf("exported blob = %q", got)
	}
}
