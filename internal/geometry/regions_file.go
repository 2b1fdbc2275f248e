package geometry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadRegions decodes a JSON array of region records, preserving order.
func ReadRegions(r io.Reader) ([]Region, error) {
	var regions []Region
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&regions); err != nil {
		return nil, fmt.Errorf("failed to decode regions: %w", err)
	}
	return regions, nil
}

// WriteRegions encodes regions as an indented JSON array.
func WriteRegions(w io.Writer, regions []Region) error {
	if regions == nil {
		regions = []Region{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(regions); err != nil {
		return fmt.Errorf("failed to encode regions: %w", err)
	}
	return nil
}

// LoadRegions reads a region list from a .json file.
func LoadRegions(path string) ([]Region, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("region file must have .json extension, got %q", ext)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file: %w", err)
	}
	defer f.Close()
	return ReadRegions(f)
}

// SaveRegions writes a region list to path, overwriting it if it exists.
func SaveRegions(path string, regions []Region) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to create region file: %w", err)
	}
	if err := WriteRegions(f, regions); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
