package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/curbwatch/hotspots/engine/cluster"
	"github.com/curbwatch/hotspots/engine/domain"
)

// RegionsFile is the saved output of a regions-only run.
type RegionsFile struct {
	GeneratedAt time.Time        `json:"generated_at"`
	CRS         string           `json:"crs"`
	Eps         float64          `json:"eps"`
	MinSamples  int              `json:"min_samples"`
	Buffer      float64          `json:"buffer"`
	Stats       cluster.Stats    `json:"stats"`
	Regions     []cluster.Region `json:"regions"`
}

// WriteRegions encodes f as indented JSON.
func WriteRegions(w io.Writer, f RegionsFile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode regions: %w", err)
	}
	return nil
}

// SaveRegions writes f to path.
func SaveRegions(path string, f RegionsFile) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create regions file: %w", err)
	}
	if err := WriteRegions(out, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadRegions decodes a regions file and rejects boxes with no area.
func ReadRegions(r io.Reader) (RegionsFile, error) {
	var f RegionsFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return RegionsFile{}, fmt.Errorf("%w: decode regions: %v", domain.ErrInvalidConfig, err)
	}
	for _, reg := range f.Regions {
		if !reg.Valid() {
			return RegionsFile{}, fmt.Errorf("%w: region %s has no area", domain.ErrInvalidConfig, reg.Key())
		}
	}
	return f, nil
}

// LoadRegions reads a regions file from path.
func LoadRegions(path string) (RegionsFile, error) {
	in, err := os.Open(path)
	if err != nil {
		return RegionsFile{}, fmt.Errorf("open regions file: %w", err)
	}
	defer in.Close()
	return ReadRegions(in)
}
