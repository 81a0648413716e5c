// Package fake is a scripted stand-in for the real Telegram session:
// it plays the remote bot's half of the conversation so the broker,
// supervisor and HTTP layer can be exercised without credentials. Also
// wired in dev mode when telegram.mode is "fake".
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/northarch/geotrace/internal/telegram"
	"github.com/pkg/errors"
)

// Script describes how the bot behaves for one conversation round.
type Script struct {
	// ButtonRows is the inline keyboard posted in reply to the phone
	// message; nil means the bot stays silent.
	ButtonRows [][]string
	// After the click: either a text reply, a geo attachment, or silence.
	ReplyText string
	ReplyGeo  *telegram.GeoPoint
	// SilentAfterClick suppresses any post-click reply.
	SilentAfterClick bool
	// ReplyDelay before each bot message lands.
	ReplyDelay time.Duration
}

type Client struct {
	mu     sync.Mutex
	script Script

	msgs   []telegram.Message // oldest first
	nextID int

	connected  bool
	connectErr error
	opErr      error

	sends   int
	clicks  int
	history int
}

func New(script Script) *Client {
	return &Client{script: script, nextID: 1}
}

// FailConnect makes the next Connect return err (e.g. auth failures).
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailOps makes every session operation return err until cleared with nil.
func (c *Client) FailOps(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opErr = err
}

// SetScript swaps the bot behaviour for the next conversation.
func (c *Client) SetScript(s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = s
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Client) ResolvePeer(ctx context.Context, username string) (telegram.Peer, error) {
	if err := c.check(); err != nil {
		return telegram.Peer{}, err
	}
	return telegram.Peer{Username: strings.TrimPrefix(username, "@"), UserID: 1}, nil
}

func (c *Client) SendText(ctx context.Context, peer telegram.Peer, text string) error {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.sends++
	c.appendLocked(telegram.Message{Text: text, Out: true})
	script := c.script
	c.mu.Unlock()

	if script.ButtonRows != nil {
		c.after(script.ReplyDelay, func() {
			c.mu.Lock()
			c.appendLocked(telegram.Message{Text: "Pilih layanan:", Buttons: buildRows(script.ButtonRows)})
			c.mu.Unlock()
		})
	}
	return nil
}

// Post drops an unsolicited bot message into the transcript and returns
// its id. Tests use it to model menus split across several messages.
func (c *Client) Post(text string, buttonRows [][]string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(telegram.Message{Text: text, Buttons: buildRows(buttonRows)})
}

func buildRows(labels [][]string) [][]telegram.Button {
	var rows [][]telegram.Button
	for _, r := range labels {
		var row []telegram.Button
		for _, label := range r {
			row = append(row, telegram.Button{Label: label, Data: []byte(label)})
		}
		rows = append(rows, row)
	}
	return rows
}

func (c *Client) ClickButton(ctx context.Context, peer telegram.Peer, msgID int, data []byte) error {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	found := false
	for _, m := range c.msgs {
		if m.ID != msgID {
			continue
		}
		for _, row := range m.Buttons {
			for _, b := range row {
				if string(b.Data) == string(data) {
					found = true
				}
			}
		}
	}
	if !found {
		c.mu.Unlock()
		return errors.Errorf("no button %q on message %d", data, msgID)
	}
	c.clicks++
	script := c.script
	c.mu.Unlock()

	if !script.SilentAfterClick {
		c.after(script.ReplyDelay, func() {
			c.mu.Lock()
			c.appendLocked(telegram.Message{Text: script.ReplyText, Geo: script.ReplyGeo})
			c.mu.Unlock()
		})
	}
	return nil
}

func (c *Client) History(ctx context.Context, peer telegram.Peer, limit int) ([]telegram.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	c.history++

	if limit <= 0 || limit > len(c.msgs) {
		limit = len(c.msgs)
	}
	// Newest first, same as the wire contract.
	out := make([]telegram.Message, 0, limit)
	for i := len(c.msgs) - 1; i >= len(c.msgs)-limit; i-- {
		out = append(out, c.msgs[i])
	}
	return out, nil
}

// SendCalls reports how many texts were sent to the bot.
func (c *Client) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

// ClickCalls reports how many button presses the bot observed.
func (c *Client) ClickCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clicks
}

func (c *Client) appendLocked(m telegram.Message) int {
	m.ID = c.nextID
	c.nextID++
	if m.Date.IsZero() {
		m.Date = time.Now().UTC()
	}
	c.msgs = append(c.msgs, m)
	return m.ID
}

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked()
}

func (c *Client) checkLocked() error {
	if c.opErr != nil {
		return c.opErr
	}
	if !c.connected {
		return errors.New("fake telegram: not connected")
	}
	return nil
}

func (c *Client) after(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}
