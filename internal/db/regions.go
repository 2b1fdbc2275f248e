package db

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/adaptive.scan/internal/geometry"
)

// ReplaceRegions swaps the stored layout for regions, keeping their order.
// Order matters: the first matching region wins a lookup.
func (db *DB) ReplaceRegions(regions []geometry.Region) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM regions`); err != nil {
		return fmt.Errorf("clear regions: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO regions (
			ordinal, temperature, annealing_time, thickness, ti_fractions,
			reference_x, reference_y, start_distance, angle
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range regions {
		fractions, err := json.Marshal(r.TiFractions)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(i, r.Temperature, r.AnnealingTime, r.Thickness, string(fractions),
			r.ReferenceX, r.ReferenceY, r.StartDistance, r.Angle); err != nil {
			return fmt.Errorf("insert region %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Regions returns the stored layout in insertion order.
func (db *DB) Regions() ([]geometry.Region, error) {
	rows, err := db.Query(`
		SELECT temperature, annealing_time, thickness, ti_fractions,
		       reference_x, reference_y, start_distance, angle
		FROM regions ORDER BY ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regions := []geometry.Region{}
	for rows.Next() {
		var (
			r         geometry.Region
			fractions string
		)
		if err := rows.Scan(&r.Temperature, &r.AnnealingTime, &r.Thickness, &fractions,
			&r.ReferenceX, &r.ReferenceY, &r.StartDistance, &r.Angle); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fractions), &r.TiFractions); err != nil {
			return nil, fmt.Errorf("region %d: bad ti_fractions: %w", len(regions), err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}
