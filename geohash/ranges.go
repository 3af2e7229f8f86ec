package geohash

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// rangeEnd sorts after every Alphabet character.
const rangeEnd = "~"

var ErrInvalidRadius = errors.New("invalid radius")

// Range is a half-open interval [Start, End) over lexically ordered geohashes.
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// FullRange covers every geohash.
var FullRange = Range{Start: "", End: rangeEnd}

// Contains reports whether a geohash falls inside the range.
func (r Range) Contains(hash string) bool {
	return hash >= r.Start && hash < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End)
}

// CellRange returns the lexical range covering the consecutive integer cells
// lo..hi at the given bit depth.
func CellRange(lo, hi uint64, bits uint) Range {
	if bits == 0 {
		return FullRange
	}
	n := (bits + 4) / 5
	shift := 5*n - bits
	start := lo << shift
	end := hi<<shift | (1<<shift - 1)
	return Range{Start: chars(start, n), End: chars(end, n) + rangeEnd}
}

// Decomposer turns a search circle into geohash ranges. CoverageFactor and
// MaxRanges trade subscription count against over-coverage.
type Decomposer struct {
	// Precision is the stored geohash length; ranges never go finer.
	Precision uint
	// CoverageFactor is how many times the circle's half-extent a cell must
	// span. 2 means a cell is at least as large as the query diameter.
	CoverageFactor float64
	// MaxRanges bounds the number of ranges returned.
	MaxRanges int
}

// DefaultDecomposer matches the stored precision with a diameter-sized cell
// and a budget of nine ranges.
func DefaultDecomposer() Decomposer {
	return Decomposer{Precision: DefaultPrecision, CoverageFactor: 2, MaxRanges: 9}
}

// maxCells stops refinement before cell sets grow unreasonably.
const maxCells = 4096

// Validate checks the tuning parameters.
func (d Decomposer) Validate() error {
	if d.Precision < 1 || d.Precision > MaxPrecision {
		return fmt.Errorf("%w: %d", ErrInvalidPrecision, d.Precision)
	}
	if math.IsNaN(d.CoverageFactor) || d.CoverageFactor < 1 {
		return fmt.Errorf("coverage factor must be >= 1, got %v", d.CoverageFactor)
	}
	if d.MaxRanges < 1 {
		return fmt.Errorf("max ranges must be >= 1, got %d", d.MaxRanges)
	}
	return nil
}

// Ranges returns the geohash ranges whose union covers every point within
// radiusKm of (lat, lng). The result is sorted and never empty.
func (d Decomposer) Ranges(lat, lng, radiusKm float64) ([]Range, error) {
	if err := ValidateCoordinates(lat, lng); err != nil {
		return nil, err
	}
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusKm)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	circle := Circle{Lat: lat, Lng: lng, RadiusKm: radiusKm}
	if circle.angle() >= math.Pi {
		return []Range{FullRange}, nil
	}
	latHalf, lngHalf, polar := circle.halfExtents()
	if polar {
		return []Range{FullRange}, nil
	}
	bits := d.bitsFor(latHalf, lngHalf)
	if bits == 0 {
		return []Range{FullRange}, nil
	}

	cells := cover(circle, bits)
	for len(runs(cells)) > d.MaxRanges {
		if bits == 1 {
			return []Range{FullRange}, nil
		}
		cells, bits = coarsen(cells), bits-1
	}
	for bits < 5*d.Precision {
		next := refine(circle, cells, bits)
		if len(next) > maxCells || len(runs(next)) > d.MaxRanges {
			break
		}
		cells, bits = next, bits+1
	}

	out := make([]Range, 0, len(cells))
	for _, run := range runs(cells) {
		out = append(out, CellRange(run[0], run[1], bits))
	}
	return out, nil
}

// bitsFor picks the finest bit depth whose cells span CoverageFactor times
// the circle's half-extent in both directions, or 0 if none does.
func (d Decomposer) bitsFor(latHalf, lngHalf float64) uint {
	for bits := 5 * d.Precision; bits >= 1; bits-- {
		latBits, lngBits := bits/2, bits-bits/2
		height := 180 / math.Ldexp(1, int(latBits))
		width := 360 / math.Ldexp(1, int(lngBits))
		if height >= d.CoverageFactor*latHalf && width >= d.CoverageFactor*lngHalf {
			return bits
		}
	}
	return 0
}

// cover returns the centre cell and those of its 8 neighbours the circle
// overlaps.
func cover(c Circle, bits uint) []uint64 {
	center := CellBox(EncodeInt(c.Lat, c.Lng, bits), bits)
	height := center.MaxLat - center.MinLat
	width := center.MaxLng - center.MinLng
	midLat := (center.MinLat + center.MaxLat) / 2
	midLng := (center.MinLng + center.MaxLng) / 2

	seen := make(map[uint64]struct{}, 9)
	var cells []uint64
	for dy := -1; dy <= 1; dy++ {
		lat := midLat + float64(dy)*height
		if lat <= -90 || lat >= 90 {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			cell := EncodeInt(lat, wrapLng(midLng+float64(dx)*width), bits)
			if _, ok := seen[cell]; ok {
				continue
			}
			seen[cell] = struct{}{}
			if c.Intersects(CellBox(cell, bits)) {
				cells = append(cells, cell)
			}
		}
	}
	sortCells(cells)
	return cells
}

// refine splits every cell in two and keeps the halves the circle overlaps.
func refine(c Circle, cells []uint64, bits uint) []uint64 {
	out := make([]uint64, 0, 2*len(cells))
	for _, cell := range cells {
		for _, child := range [2]uint64{cell << 1, cell<<1 | 1} {
			if c.Intersects(CellBox(child, bits+1)) {
				out = append(out, child)
			}
		}
	}
	return out
}

// coarsen replaces every cell by its parent.
func coarsen(cells []uint64) []uint64 {
	out := make([]uint64, 0, len(cells))
	for _, cell := range cells {
		parent := cell >> 1
		if n := len(out); n > 0 && out[n-1] == parent {
			continue
		}
		out = append(out, parent)
	}
	return out
}

// runs groups sorted cells into maximal [lo, hi] stretches of consecutive
// values; each stretch is one lexical range.
func runs(cells []uint64) [][2]uint64 {
	var out [][2]uint64
	for _, cell := range cells {
		if n := len(out); n > 0 && out[n-1][1]+1 == cell {
			out[n-1][1] = cell
			continue
		}
		out = append(out, [2]uint64{cell, cell})
	}
	return out
}

func sortCells(cells []uint64) {
	sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
}
