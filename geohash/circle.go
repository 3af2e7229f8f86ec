package geohash

import "math"

// circleEpsilon widens the overlap test slightly so rounding never drops a
// cell the circle touches.
const circleEpsilon = 1e-9

// Circle is a spherical cap: every point within RadiusKm of the centre.
type Circle struct {
	Lat, Lng float64
	RadiusKm float64
}

func (c Circle) angle() float64 { return c.RadiusKm / EarthRadiusKm }

// Contains reports whether the point lies within the circle.
func (c Circle) Contains(lat, lng float64) bool {
	return DistanceKm(c.Lat, c.Lng, lat, lng) <= c.RadiusKm
}

// Intersects reports whether the circle overlaps the box.
func (c Circle) Intersects(b Box) bool {
	return boxAngle(b, c.Lat, c.Lng) <= c.angle()+circleEpsilon
}

// halfExtents returns how far the cap reaches from its centre, in degrees of
// latitude and longitude. A cap containing a pole spans every longitude.
func (c Circle) halfExtents() (latHalf, lngHalf float64, polar bool) {
	delta := c.angle()
	latHalf = toDegrees(delta)
	if c.Lat+latHalf >= 90 || c.Lat-latHalf <= -90 {
		return latHalf, 180, true
	}
	ratio := math.Sin(delta) / math.Cos(toRadians(c.Lat))
	if ratio >= 1 {
		return latHalf, 180, true
	}
	return latHalf, toDegrees(math.Asin(ratio)), false
}

// boxAngle is the angular distance in radians from a point to the closest
// point of a box whose edges run along meridians and parallels.
func boxAngle(b Box, lat, lng float64) float64 {
	clamped := clamp(lat, b.MinLat, b.MaxLat)
	if lng >= b.MinLng && lng <= b.MaxLng {
		return toRadians(math.Abs(lat - clamped))
	}
	best := math.Inf(1)
	for _, edge := range [2]float64{b.MinLng, b.MaxLng} {
		candidates := []float64{b.MinLat, b.MaxLat}
		if gap := lngGap(lng, edge); gap < 90 {
			// Foot of the perpendicular from the point onto the meridian.
			foot := toDegrees(math.Atan(math.Tan(toRadians(lat)) / math.Cos(toRadians(gap))))
			candidates = append(candidates, clamp(foot, b.MinLat, b.MaxLat))
		}
		for _, cand := range candidates {
			if a := centralAngle(lat, lng, cand, edge); a < best {
				best = a
			}
		}
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
