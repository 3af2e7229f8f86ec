package models

import (
	"errors"

	"geoquery/geohash"
)

var (
	ErrInvalidLocation  = geohash.ErrInvalidLocation
	ErrInvalidRadius    = geohash.ErrInvalidRadius
	ErrInvalidKey       = errors.New("invalid key")
	ErrNotFound         = errors.New("key not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQueryCancelled   = errors.New("query cancelled")
)
