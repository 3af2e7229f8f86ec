package models

import (
	"fmt"
	"math"

	"geoquery/geohash"
)

// Location is a point on the Earth's surface in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate rejects coordinates outside [-90, 90] x [-180, 180].
func (l Location) Validate() error {
	return geohash.ValidateCoordinates(l.Latitude, l.Longitude)
}

// DistanceTo returns the great-circle distance to another location in km.
func (l Location) DistanceTo(other Location) float64 {
	return geohash.DistanceKm(l.Latitude, l.Longitude, other.Latitude, other.Longitude)
}

// Geohash encodes the location at the given precision.
func (l Location) Geohash(precision uint) (string, error) {
	return geohash.Encode(l.Latitude, l.Longitude, precision)
}

func (l Location) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", l.Latitude, l.Longitude)
}

// Criteria is the centre and radius of a live query.
type Criteria struct {
	Center   Location `json:"center"`
	RadiusKm float64  `json:"radius_km"`
}

// Validate checks the centre and that the radius is a finite non-negative
// number of kilometres.
func (c Criteria) Validate() error {
	if err := c.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(c.RadiusKm) || math.IsInf(c.RadiusKm, 0) || c.RadiusKm < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, c.RadiusKm)
	}
	return nil
}

// Contains reports whether a location lies within the criteria's circle and
// returns its distance from the centre.
func (c Criteria) Contains(l Location) (float64, bool) {
	d := c.Center.DistanceTo(l)
	return d, d <= c.RadiusKm
}
