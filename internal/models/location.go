package models

import "time"

const (
	LocationSourceGeoMessage      = "geo_message"
	LocationSourceTextCoordinates = "text_coordinates"
)

type Location struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	Address        *string   `json:"address,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
}

// Valid checks the coordinate ranges of a location.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}
