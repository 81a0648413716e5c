// Package telegram defines the narrow contract this service needs from a
// Telegram client library: one authorised user session that can message a
// bot peer, read back the conversation window and press inline buttons.
package telegram

import (
	"context"
	"time"
)

// TranscriptWindow is how many recent messages a History call returns.
const TranscriptWindow = 15

type Peer struct {
	Username   string
	UserID     int64
	AccessHash int64
}

type Button struct {
	Label string
	Data  []byte
}

type GeoPoint struct {
	Lat            float64
	Long           float64
	AccuracyMeters float64
}

// Message is one entry of the conversation transcript. Buttons holds the
// inline keyboard grid in display order (rows top-to-bottom, buttons
// left-to-right). Geo is set for location attachments.
type Message struct {
	ID      int
	Text    string
	Out     bool
	Date    time.Time
	Buttons [][]Button
	Geo     *GeoPoint
}

type Client interface {
	// Connect establishes the session. It fails with AuthRequired when the
	// persisted session is not authorised; interactive login is never done
	// here.
	Connect(ctx context.Context) error
	Close() error

	ResolvePeer(ctx context.Context, username string) (Peer, error)
	SendText(ctx context.Context, peer Peer, text string) error
	// History returns up to limit most recent messages, newest first.
	History(ctx context.Context, peer Peer, limit int) ([]Message, error)
	ClickButton(ctx context.Context, peer Peer, msgID int, data []byte) error
}
