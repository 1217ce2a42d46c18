package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidLocation is returned when a coordinate falls outside WGS-84 bounds.
var ErrInvalidLocation = errors.New("invalid location")

// Location is a WGS-84 latitude/longitude pair identifying the monitored point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports whether the coordinate is inside ±90 latitude and ±180 longitude.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidLocation, l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidLocation, l.Longitude)
	}
	return nil
}

// Key returns the "lat,lng" identity used for caching and as the upstream point query.
func (l Location) Key() string {
	return strconv.FormatFloat(l.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', -1, 64)
}

func (l Location) String() string {
	return l.Key()
}
