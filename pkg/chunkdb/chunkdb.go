// Package chunkdb reads the audio chunk index: a SQL table mapping audio
// files to fixed-duration time offsets, the unit of training sampling.
//
// The index is produced by the offline chunking pipeline and is strictly
// read-only here. The package owns only the query contract: whatever SQL
// the operator configures, the result must expose the columns `path`,
// `offset`, `duration` and `total_duration` (plus an optional dataset
// `name`). A query missing a required column is a configuration error and
// fails at open time, before any training starts.
package chunkdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"

	_ "modernc.org/sqlite"
)

// DefaultQuery joins the chunk table with its audio files and datasets.
// It matches the schema written by the chunking pipeline.
const DefaultQuery = `
SELECT af.path, chunk.offset, chunk.duration, af.duration AS total_duration, dataset.name
FROM chunk
JOIN audio_file AS af ON chunk.audio_file_id = af.id
JOIN dataset ON af.dataset_id = dataset.id
`

// ErrMissingColumn is returned when the configured query does not expose
// a required column.
var ErrMissingColumn = errors.New("chunkdb: query missing required column")

// requiredColumns is the fixed row schema of the query contract.
var requiredColumns = []string{"path", "offset", "duration", "total_duration"}

// Chunk identifies one audio window: the unit of a trainable example.
// Immutable; created by the offline chunking process.
type Chunk struct {
	// Path is the audio file reference.
	Path string `json:"path" msgpack:"path"`

	// Offset is the window start within the file, in seconds.
	Offset float64 `json:"offset" msgpack:"offset"`

	// Duration is the window length in seconds.
	Duration float64 `json:"duration" msgpack:"duration"`

	// TotalDuration is the length of the whole file in seconds.
	TotalDuration float64 `json:"total_duration" msgpack:"total_duration"`

	// Dataset is the optional dataset label.
	Dataset string `json:"dataset,omitempty" msgpack:"dataset,omitempty"`
}

// Index is a read-only view over the chunk table.
type Index struct {
	chunks []Chunk
}

// Open runs the query against the SQLite database at path and loads the
// chunk rows. The column contract is validated before any row is read.
func Open(ctx context.Context, path, query string) (*Index, error) {
	if query == "" {
		query = DefaultQuery
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chunkdb: open %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chunkdb: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("chunkdb: columns: %w", err)
	}
	pos, hasDataset, err := columnPositions(cols)
	if err != nil {
		return nil, err
	}

	idx := &Index{}
	scan := make([]any, len(cols))
	for rows.Next() {
		var c Chunk
		for i := range scan {
			scan[i] = new(sql.RawBytes) // discard unmapped columns
		}
		scan[pos["path"]] = &c.Path
		scan[pos["offset"]] = &c.Offset
		scan[pos["duration"]] = &c.Duration
		scan[pos["total_duration"]] = &c.TotalDuration
		if hasDataset {
			scan[pos["name"]] = &c.Dataset
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("chunkdb: scan: %w", err)
		}
		idx.chunks = append(idx.chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunkdb: rows: %w", err)
	}
	return idx, nil
}

// columnPositions maps column names to result positions and enforces the
// contract.
func columnPositions(cols []string) (map[string]int, bool, error) {
	pos := make(map[string]int, len(cols))
	for i, name := range cols {
		pos[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := pos[name]; !ok {
			return nil, false, fmt.Errorf("%w: %q (got %v)", ErrMissingColumn, name, cols)
		}
	}
	_, hasDataset := pos["name"]
	return pos, hasDataset, nil
}

// FromChunks builds an in-memory index, mainly for tests.
func FromChunks(chunks []Chunk) *Index {
	return &Index{chunks: chunks}
}

// Len returns the number of chunks.
func (idx *Index) Len() int { return len(idx.chunks) }

// At returns chunk i.
func (idx *Index) At(i int) Chunk { return idx.chunks[i] }

// Sample draws a uniformly random chunk using the given source.
func (idx *Index) Sample(rng *rand.Rand) (Chunk, error) {
	if len(idx.chunks) == 0 {
		return Chunk{}, errors.New("chunkdb: empty index")
	}
	return idx.chunks[rng.IntN(len(idx.chunks))], nil
}

// Split partitions the index into train and validation sets by a seeded
// shuffle; valFrac is the validation fraction. Deterministic per seed.
func (idx *Index) Split(valFrac float64, seed uint64) (train, val *Index) {
	n := len(idx.chunks)
	perm := rand.New(rand.NewPCG(seed, 0)).Perm(n)
	nVal := int(valFrac * float64(n))

	val = &Index{chunks: make([]Chunk, 0, nVal)}
	train = &Index{chunks: make([]Chunk, 0, n-nVal)}
	for i, p := range perm {
		if i < nVal {
			val.chunks = append(val.chunks, idx.chunks[p])
		} else {
			train.chunks = append(train.chunks, idx.chunks[p])
		}
	}
	return train, val
}

// Stats summarizes the index per dataset label.
type Stats struct {
	Chunks        int     `json:"chunks"`
	TotalDuration float64 `json:"total_duration"`
}

// ByDataset aggregates chunk counts and durations per dataset label.
func (idx *Index) ByDataset() map[string]Stats {
	out := make(map[string]Stats)
	for _, c := range idx.chunks {
		s := out[c.Dataset]
		s.Chunks++
		s.TotalDuration += c.Duration
		out[c.Dataset] = s
	}
	return out
}
