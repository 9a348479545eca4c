// Package checkpoint persists versioned training snapshots: the opaque
// model parameter blob produced by the external learning runtime, plus
// the masking and control configuration that was active when it was
// trained. Serving refuses to guess that configuration; it always comes
// from the manifest.
//
// Layout under the store root:
//
//	<id>/manifest.yaml
//	<id>/model.bin
//
// The model blob is treated as opaque; its format is owned by the
// external framework that trains and runs it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/loopgen/loopgen/pkg/control"
	"github.com/loopgen/loopgen/pkg/mask"
)

const (
	manifestFile = "manifest.yaml"
	modelFile    = "model.bin"

	// manifestVersion is bumped when the manifest schema changes.
	manifestVersion = 1
)

// ErrNotFound is returned when a checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Manifest records everything about a snapshot except the parameters
// themselves.
type Manifest struct {
	Version   int       `yaml:"version"`
	ID        string    `yaml:"id"`
	Tag       string    `yaml:"tag,omitempty"`
	Step      int       `yaml:"step"`
	CreatedAt time.Time `yaml:"created_at"`

	// CodesMask and CtrlMask are the mask configs active at training
	// time; serving reuses them as request defaults.
	CodesMask mask.Config `yaml:"codes_mask"`
	CtrlMask  mask.Config `yaml:"ctrl_mask"`

	// Control is the extractor config, so serving and clients agree on
	// channel meaning and frame alignment.
	Control control.Config `yaml:"control"`

	// Codec frame layout, so shape validation needs no codec instance.
	Levels     int `yaml:"levels"`
	VocabSize  int `yaml:"vocab_size"`
	HopLength  int `yaml:"hop_length"`
	SampleRate int `yaml:"sample_rate"`
}

// Store reads and writes checkpoints through a FileStore.
type Store struct {
	fs FileStore
}

// NewStore creates a checkpoint store.
func NewStore(fs FileStore) *Store {
	return &Store{fs: fs}
}

// Save writes a new checkpoint and returns its generated id.
// The manifest's ID, Version and CreatedAt fields are filled here.
func (s *Store) Save(ctx context.Context, m Manifest, blob io.Reader) (string, error) {
	m.ID = uuid.NewString()
	m.Version = manifestVersion
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}

	w, err := s.fs.Write(ctx, join(m.ID, modelFile))
	if err != nil {
		return "", fmt.Errorf("checkpoint: write blob: %w", err)
	}
	if _, err := io.Copy(w, blob); err != nil {
		w.Close()
		return "", fmt.Errorf("checkpoint: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: write blob: %w", err)
	}

	// Manifest last: a checkpoint without one is invisible, a manifest
	// without a blob would be a broken checkpoint.
	mw, err := s.fs.Write(ctx, join(m.ID, manifestFile))
	if err != nil {
		return "", fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	if _, err := mw.Write(data); err != nil {
		mw.Close()
		return "", fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	return m.ID, nil
}

// Manifest loads the manifest for id.
func (s *Store) Manifest(ctx context.Context, id string) (Manifest, error) {
	r, err := s.fs.Read(ctx, join(id, manifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: read manifest %s: %w", id, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: parse manifest %s: %w", id, err)
	}
	return m, nil
}

// Blob opens the model parameter blob for id. The caller must close it.
func (s *Store) Blob(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := s.fs.Read(ctx, join(id, modelFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// List returns the manifests of all checkpoints, newest first.
func (s *Store) List(ctx context.Context) ([]Manifest, error) {
	paths, err := s.fs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, p := range paths {
		id, file, ok := strings.Cut(p, "/")
		if !ok || file != manifestFile {
			continue
		}
		m, err := s.Manifest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortByCreated(out)
	return out, nil
}

// Latest returns the most recently created checkpoint's manifest.
func (s *Store) Latest(ctx context.Context) (Manifest, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Manifest{}, err
	}
	if len(all) == 0 {
		return Manifest{}, fmt.Errorf("%w: store is empty", ErrNotFound)
	}
	return all[0], nil
}

// Export copies checkpoint id from this store into dst, e.g. local
// training output to the serving object store.
func (s *Store) Export(ctx context.Context, dst *Store, id string) error {
	m, err := s.Manifest(ctx, id)
	if err != nil {
		return err
	}
	blob, err := s.Blob(ctx, id)
	if err != nil {
		return err
	}
	defer blob.Close()

	// Keep the same id on export so serving and training logs line up.
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}
	w, err := dst.fs.Write(ctx, join(id, modelFile))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, blob); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	mw, err := dst.fs.Write(ctx, join(id, manifestFile))
	if err != nil {
		return err
	}
	if _, err := mw.Write(data); err != nil {
		mw.Close()
		return err
	}
	return mw.Close()
}

func sortByCreated(ms []Manifest) {
	// Insertion sort; checkpoint counts are small.
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].CreatedAt.After(ms[j-1].CreatedAt); j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}
