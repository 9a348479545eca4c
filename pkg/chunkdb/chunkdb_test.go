package chunkdb_test

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/loopgen/loopgen/pkg/chunkdb"
)

// newTestDB writes a small chunk database in the pipeline's schema.
func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE dataset (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE audio_file (id INTEGER PRIMARY KEY, dataset_id INTEGER, path TEXT, duration REAL)`,
		`CREATE TABLE chunk (id INTEGER PRIMARY KEY, audio_file_id INTEGER, offset REAL, duration REAL)`,
		`INSERT INTO dataset VALUES (1, 'drums'), (2, 'guitar')`,
		`INSERT INTO audio_file VALUES (1, 1, 'drums/a.wav', 30.0), (2, 2, 'guitar/b.wav', 12.5)`,
		`INSERT INTO chunk VALUES (1, 1, 0.0, 5.0), (2, 1, 5.0, 5.0), (3, 1, 10.0, 5.0), (4, 2, 0.0, 5.0)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func TestOpenDefaultQuery(t *testing.T) {
	idx, err := chunkdb.Open(context.Background(), newTestDB(t), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 4 {
		t.Fatalf("Len = %d, want 4", idx.Len())
	}
	c := idx.At(0)
	if c.Path != "drums/a.wav" || c.Offset != 0 || c.Duration != 5 || c.TotalDuration != 30 || c.Dataset != "drums" {
		t.Errorf("unexpected first chunk: %+v", c)
	}
}

func TestMissingColumnRejected(t *testing.T) {
	// A query without total_duration violates the row contract.
	q := `SELECT af.path, chunk.offset, chunk.duration FROM chunk JOIN audio_file AS af ON chunk.audio_file_id = af.id`
	_, err := chunkdb.Open(context.Background(), newTestDB(t), q)
	if !errors.Is(err, chunkdb.ErrMissingColumn) {
		t.Fatalf("err = %v, want ErrMissingColumn", err)
	}
}

func TestDatasetOptional(t *testing.T) {
	q := `SELECT af.path, chunk.offset, chunk.duration, af.duration AS total_duration
	      FROM chunk JOIN audio_file AS af ON chunk.audio_file_id = af.id`
	idx, err := chunkdb.Open(context.Background(), newTestDB(t), q)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 4 {
		t.Fatalf("Len = %d, want 4", idx.Len())
	}
	if got := idx.At(0).Dataset; got != "" {
		t.Errorf("Dataset = %q, want empty without name column", got)
	}
}

func TestSplitDeterministic(t *testing.T) {
	chunks := make([]chunkdb.Chunk, 100)
	for i := range chunks {
		chunks[i].Offset = float64(i)
	}
	idx := chunkdb.FromChunks(chunks)

	train1, val1 := idx.Split(0.1, 7)
	train2, val2 := idx.Split(0.1, 7)
	if val1.Len() != 10 || train1.Len() != 90 {
		t.Fatalf("split sizes = %d/%d, want 90/10", train1.Len(), val1.Len())
	}
	for i := 0; i < val1.Len(); i++ {
		if val1.At(i).Offset != val2.At(i).Offset {
			t.Fatal("same-seed splits diverged")
		}
	}
	for i := 0; i < train1.Len(); i++ {
		if train1.At(i).Offset != train2.At(i).Offset {
			t.Fatal("same-seed splits diverged")
		}
	}
}

func TestSampleUniform(t *testing.T) {
	idx, err := chunkdb.Open(context.Background(), newTestDB(t), "")
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(3, 0))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, err := idx.Sample(rng)
		if err != nil {
			t.Fatal(err)
		}
		seen[c.Path] = true
	}
	if len(seen) != 2 {
		t.Errorf("sampled %d distinct paths, want 2", len(seen))
	}

	empty := chunkdb.FromChunks(nil)
	if _, err := empty.Sample(rng); err == nil {
		t.Fatal("expected error sampling empty index")
	}
}

func TestByDataset(t *testing.T) {
	idx, err := chunkdb.Open(context.Background(), newTestDB(t), "")
	if err != nil {
		t.Fatal(err)
	}
	stats := idx.ByDataset()
	if stats["drums"].Chunks != 3 || stats["drums"].TotalDuration != 15 {
		t.Errorf("drums stats = %+v", stats["drums"])
	}
	if stats["guitar"].Chunks != 1 {
		t.Errorf("guitar stats = %+v", stats["guitar"])
	}
}
