// Package replyparse turns a bot reply message into a Location. It is a
// pure function over the message contents: same message in, same result
// out, and it never panics on arbitrary text.
package replyparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/telegram"
)

var (
	latRe  = regexp.MustCompile(`(?i)\blat(?:itude)?\b[\s:=.,]*([-+]?[0-9]+(?:\.[0-9]+)?)`)
	longRe = regexp.MustCompile(`(?i)\blon(?:g(?:itude)?)?\b[\s:=.,]*([-+]?[0-9]+(?:\.[0-9]+)?)`)
	addrRe = regexp.MustCompile(`(?im)^[ \t]*(?:addr\w*|alamat)\b[\s:=-]*(.+)$`)
)

const maxAddressLen = 200

// Parse extracts a Location from a bot reply. Geo attachments win over
// textual coordinates; a message with neither, or with out-of-range
// coordinates, fails with ParseFailed.
func Parse(msg telegram.Message) (models.Location, error) {
	if msg.Geo != nil {
		loc := models.Location{
			Latitude:  msg.Geo.Lat,
			Longitude: msg.Geo.Long,
			Timestamp: msg.Date.UTC(),
			Source:    models.LocationSourceGeoMessage,
		}
		if msg.Geo.AccuracyMeters > 0 {
			acc := msg.Geo.AccuracyMeters
			loc.AccuracyMeters = &acc
		}
		if addr := extractAddress(msg.Text); addr != "" {
			loc.Address = &addr
		}
		if !loc.Valid() {
			return models.Location{}, models.NewQueryError(models.ErrParseFailed,
				"geo attachment out of range: lat=%v long=%v", msg.Geo.Lat, msg.Geo.Long)
		}
		return loc, nil
	}

	lat, okLat := extractCoord(latRe, msg.Text)
	long, okLong := extractCoord(longRe, msg.Text)
	if !okLat || !okLong {
		return models.Location{}, models.NewQueryError(models.ErrParseFailed,
			"no coordinate pair in reply text")
	}

	loc := models.Location{
		Latitude:  lat,
		Longitude: long,
		Timestamp: msg.Date.UTC(),
		Source:    models.LocationSourceTextCoordinates,
	}
	if addr := extractAddress(msg.Text); addr != "" {
		loc.Address = &addr
	}
	if !loc.Valid() {
		return models.Location{}, models.NewQueryError(models.ErrParseFailed,
			"coordinates out of range: lat=%v long=%v", lat, long)
	}
	return loc, nil
}

func extractCoord(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractAddress(text string) string {
	m := addrRe.FindStringSubmatch(text)
	if len(m) != 2 {
		return ""
	}
	addr := strings.TrimSpace(m[1])
	if len(addr) > maxAddressLen {
		addr = addr[:maxAddressLen]
	}
	return addr
}
