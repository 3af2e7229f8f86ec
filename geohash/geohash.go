package geohash

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// Alphabet is the base-32 geohash character set.
const Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	// MaxPrecision is the longest geohash, in characters, this package encodes.
	MaxPrecision = 12
	// DefaultPrecision is the geohash length records are stored with.
	DefaultPrecision = 10
)

var (
	ErrInvalidLocation  = errors.New("invalid location")
	ErrInvalidPrecision = errors.New("invalid geohash precision")
	ErrInvalidGeohash   = errors.New("invalid geohash")
)

// Box is the bounding box of a geohash cell in degrees.
type Box = geohash.Box

var alphabetIndex [256]int8

func init() {
	for i := range alphabetIndex {
		alphabetIndex[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		alphabetIndex[Alphabet[i]] = int8(i)
	}
}

// ValidateCoordinates rejects latitudes outside [-90, 90] and longitudes
// outside [-180, 180], as well as NaN and infinities.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidLocation, lat)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidLocation, lng)
	}
	return nil
}

// Encode coordinates into a geohash with the given precision in characters.
func Encode(lat, lng float64, precision uint) (string, error) {
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: %d", ErrInvalidPrecision, precision)
	}
	if err := ValidateCoordinates(lat, lng); err != nil {
		return "", err
	}
	lat, lng = inside(lat, lng)
	return geohash.EncodeWithPrecision(lat, lng, precision), nil
}

// DecodeBoundingBox returns the cell a geohash denotes. The box always
// contains every point that encodes to the hash.
func DecodeBoundingBox(hash string) (Box, error) {
	if err := Validate(hash); err != nil {
		return Box{}, err
	}
	return geohash.BoundingBox(hash), nil
}

// Neighbors returns the geohashes of the 8 cells adjacent to hash, at the
// same precision.
func Neighbors(hash string) ([]string, error) {
	if err := Validate(hash); err != nil {
		return nil, err
	}
	return geohash.Neighbors(hash), nil
}

// Validate checks that hash is a non-empty geohash of at most MaxPrecision
// characters drawn from Alphabet.
func Validate(hash string) error {
	if hash == "" || len(hash) > MaxPrecision {
		return fmt.Errorf("%w: %q", ErrInvalidGeohash, hash)
	}
	for i := 0; i < len(hash); i++ {
		if alphabetIndex[hash[i]] < 0 {
			return fmt.Errorf("%w: %q has invalid character %q", ErrInvalidGeohash, hash, hash[i])
		}
	}
	return nil
}

// EncodeInt returns the integer geohash of a point at the given bit depth.
// Coordinates must already be validated.
func EncodeInt(lat, lng float64, bits uint) uint64 {
	lat, lng = inside(lat, lng)
	return geohash.EncodeIntWithPrecision(lat, lng, bits)
}

// CellBox returns the bounding box of an integer geohash cell.
func CellBox(cell uint64, bits uint) Box {
	return geohash.BoundingBoxIntWithPrecision(cell, bits)
}

// chars renders the top 5*n bits of an integer hash holding 5*n bits.
func chars(hash uint64, n uint) string {
	out := make([]byte, n)
	for i := int(n) - 1; i >= 0; i-- {
		out[i] = Alphabet[hash&0x1f]
		hash >>= 5
	}
	return string(out)
}

// inside nudges the closed upper bounds of the coordinate space into the top
// cell; the integer encoder treats its ranges as half-open.
func inside(lat, lng float64) (float64, float64) {
	if lat >= 90 {
		lat = math.Nextafter(90, 0)
	}
	if lng >= 180 {
		lng = math.Nextafter(180, 0)
	}
	return lat, lng
}
