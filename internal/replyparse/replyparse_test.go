package replyparse

import (
	"testing"
	"time"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/telegram"
	"github.com/stretchr/testify/require"
)

var date = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func TestParse_TextCoordinates(t *testing.T) {
	cases := []struct {
		text string
		lat  float64
		long float64
	}{
		{"Latitude: -6.9175 Longitude: 107.6191", -6.9175, 107.6191},
		{"lat=-6.2, long=106.8", -6.2, 106.8},
		{"LAT -7.25\nLONG 112.75", -7.25, 112.75},
		{"Hasil:\nlatitude : -0.5\nlongitude : 117.15", -0.5, 117.15},
	}
	for _, c := range cases {
		loc, err := Parse(telegram.Message{Text: c.text, Date: date})
		require.NoError(t, err, c.text)
		require.Equal(t, c.lat, loc.Latitude)
		require.Equal(t, c.long, loc.Longitude)
		require.Equal(t, models.LocationSourceTextCoordinates, loc.Source)
		require.Equal(t, date, loc.Timestamp)
	}
}

func TestParse_GeoAttachment(t *testing.T) {
	loc, err := Parse(telegram.Message{
		Date: date,
		Geo:  &telegram.GeoPoint{Lat: -6.2, Long: 106.8, AccuracyMeters: 25},
	})
	require.NoError(t, err)
	require.Equal(t, models.LocationSourceGeoMessage, loc.Source)
	require.Equal(t, -6.2, loc.Latitude)
	require.Equal(t, 106.8, loc.Longitude)
	require.NotNil(t, loc.AccuracyMeters)
	require.Equal(t, 25.0, *loc.AccuracyMeters)
}

func TestParse_GeoWinsOverText(t *testing.T) {
	loc, err := Parse(telegram.Message{
		Text: "Latitude: 1 Longitude: 2",
		Date: date,
		Geo:  &telegram.GeoPoint{Lat: -6.2, Long: 106.8},
	})
	require.NoError(t, err)
	require.Equal(t, models.LocationSourceGeoMessage, loc.Source)
	require.Equal(t, -6.2, loc.Latitude)
}

func TestParse_Address(t *testing.T) {
	loc, err := Parse(telegram.Message{
		Text: "Latitude: -6.9 Longitude: 107.6\nAlamat: Jl. Braga No. 99, Bandung",
		Date: date,
	})
	require.NoError(t, err)
	require.NotNil(t, loc.Address)
	require.Equal(t, "Jl. Braga No. 99, Bandung", *loc.Address)

	loc, err = Parse(telegram.Message{
		Text: "lat -6.9 long 107.6\naddress: somewhere",
		Date: date,
	})
	require.NoError(t, err)
	require.NotNil(t, loc.Address)
	require.Equal(t, "somewhere", *loc.Address)
}

func TestParse_AddressTruncated(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	loc, err := Parse(telegram.Message{
		Text: "lat -6.9 long 107.6\nalamat " + string(long),
		Date: date,
	})
	require.NoError(t, err)
	require.NotNil(t, loc.Address)
	require.Len(t, *loc.Address, 200)
}

func TestParse_Rejects(t *testing.T) {
	for _, text := range []string{
		"",
		"no coordinates here",
		"Latitude: -6.9",           // missing longitude
		"Longitude: 107.6",         // missing latitude
		"Latitude: -95 Longitude: 10",  // lat out of range
		"Latitude: -6 Longitude: 190", // long out of range
	} {
		_, err := Parse(telegram.Message{Text: text, Date: date})
		require.Error(t, err, text)
		require.True(t, models.IsKind(err, models.ErrParseFailed), text)
	}

	_, err := Parse(telegram.Message{Date: date, Geo: &telegram.GeoPoint{Lat: 99, Long: 0}})
	require.Error(t, err)
	require.True(t, models.IsKind(err, models.ErrParseFailed))
}

// The parser must be total: arbitrary junk yields ParseFailed, never a panic.
func TestParse_TotalOnJunk(t *testing.T) {
	for _, text := range []string{
		"lat lat lat long long",
		"latitude: abc longitude: def",
		"lat: 1e999 long: 2",
		string([]byte{0xff, 0xfe, 0x00}),
		"lat\nlong\nalamat",
	} {
		loc, err := Parse(telegram.Message{Text: text, Date: date})
		if err == nil {
			require.True(t, loc.Valid(), text)
		} else {
			require.True(t, models.IsKind(err, models.ErrParseFailed), text)
		}
	}
}
