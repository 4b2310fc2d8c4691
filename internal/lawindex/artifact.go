package lawindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// artifact is the persisted form of an Index.
type artifact struct {
	LastUpdated     time.Time                   `json:"lastUpdated"`
	Completeness    map[model.Category][]string `json:"completeness"`
	Vectors         map[string][]float64        `json:"vectors"`
	Version         string                      `json:"version"`
	TaxonomyVersion string                      `json:"taxonomyVersion"`
	Embedder        string                      `json:"embedder"`
	Chunks          []model.LawChunk            `json:"chunks"`
	TotalChunks     int                         `json:"totalChunks"`
}

// SaveArtifact writes idx to path. The file is written next to its final
// location and renamed into place so readers never see a partial artifact.
func SaveArtifact(idx *Index, path string) error {
	a := artifact{
		LastUpdated:     idx.builtAt,
		Completeness:    idx.Completeness(),
		Vectors:         make(map[string][]float64, len(idx.chunks)),
		Version:         idx.version,
		TaxonomyVersion: model.TaxonomyVersion,
		Embedder:        idx.embedder,
		Chunks:          idx.chunks,
		TotalChunks:     len(idx.chunks),
	}
	for i, c := range idx.chunks {
		a.Vectors[c.ID] = idx.vectors[i]
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding index artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lawindex-*.json")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing index artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing index artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index artifact: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("installing index artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads an index written by SaveArtifact and re-verifies it. A
// truncated, stale or incomplete artifact is rejected.
func LoadArtifact(path string) (*Index, error) {
	data, err := os.ReadFile(path) //nolint:gosec // configured index path
	if err != nil {
		return nil, fmt.Errorf("reading index artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decoding artifact: %w", common.ErrIndexIncomplete, err)
	}

	if a.TotalChunks != len(a.Chunks) {
		return nil, fmt.Errorf("%w: artifact declares %d chunks but holds %d",
			common.ErrIndexIncomplete, a.TotalChunks, len(a.Chunks))
	}
	if a.TaxonomyVersion != model.TaxonomyVersion {
		return nil, fmt.Errorf("%w: artifact built for taxonomy %s, running %s",
			common.ErrIndexIncomplete, a.TaxonomyVersion, model.TaxonomyVersion)
	}

	chunks, err := validateChunks(a.Chunks)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(chunks))
	for i, c := range chunks {
		v, ok := a.Vectors[c.ID]
		if !ok || len(v) == 0 {
			return nil, fmt.Errorf("%w: no vector for chunk %s", common.ErrIndexIncomplete, c.ID)
		}
		vectors[i] = v
	}

	idx, err := newIndex(chunks, vectors, a.Version, a.Embedder, a.LastUpdated)
	if err != nil {
		return nil, err
	}

	if !sameCompleteness(idx.Completeness(), a.Completeness) {
		return nil, fmt.Errorf("%w: completeness map does not match chunks", common.ErrIndexIncomplete)
	}
	return idx, nil
}

func sameCompleteness(a, b map[model.Category][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for cat, ids := range a {
		other := slices.Clone(b[cat])
		mine := slices.Clone(ids)
		slices.Sort(other)
		slices.Sort(mine)
		if !slices.Equal(mine, other) {
			return false
		}
	}
	return true
}
