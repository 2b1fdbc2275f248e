package main

import (
	"fmt"
	"log"

	"github.com/banshee-data/adaptive.scan/internal/config"
	"github.com/banshee-data/adaptive.scan/internal/db"
	"github.com/banshee-data/adaptive.scan/internal/geometry"
	"github.com/banshee-data/adaptive.scan/internal/layout"
	"github.com/banshee-data/adaptive.scan/internal/security"
)

// loadRegions returns the stored layout. An empty database is seeded from
// the regions file.
func loadRegions(store *db.DB, path string, cellSize float64) ([]geometry.Region, error) {
	regions, err := store.Regions()
	if err != nil {
		return nil, fmt.Errorf("load regions: %w", err)
	}
	if len(regions) > 0 {
		return regions, nil
	}
	if regions, err = importRegions(store, path, cellSize); err != nil {
		return nil, err
	}
	return regions, nil
}

// importRegions validates the file's layout and stores it.
func importRegions(store *db.DB, path string, cellSize float64) ([]geometry.Region, error) {
	regions, err := geometry.LoadRegions(path)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%s: no regions", path)
	}
	if _, err := geometry.NewRegionSet(regions, cellSize); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := store.ReplaceRegions(regions); err != nil {
		return nil, err
	}
	log.Printf("imported %d region(s) from %s", len(regions), path)
	return regions, nil
}

func runRegionsCommand(cfg *config.ScanConfig, args []string) error {
	if len(args) != 2 || (args[0] != "import" && args[0] != "export") {
		return fmt.Errorf("usage: scan regions import|export <file.json>")
	}
	if args[0] == "export" {
		if err := security.ValidateOutputPath(args[1]); err != nil {
			return err
		}
	}
	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	if args[0] == "import" {
		_, err := importRegions(store, args[1], cfg.GetCellSize())
		return err
	}
	regions, err := store.Regions()
	if err != nil {
		return err
	}
	if err := geometry.SaveRegions(args[1], regions); err != nil {
		return err
	}
	log.Printf("exported %d region(s) to %s", len(regions), args[1])
	return nil
}

func runLayout(cfg *config.ScanConfig, out string) error {
	if err := security.ValidateOutputPath(out); err != nil {
		return err
	}
	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	regions, err := loadRegions(store, cfg.GetRegionsFile(), cfg.GetCellSize())
	if err != nil {
		return err
	}
	if err := layout.PlotRegions(regions, cfg.GetCellSize(), out); err != nil {
		return err
	}
	log.Printf("wrote layout of %d region(s) to %s", len(regions), out)
	return nil
}
