// Package gotdclient implements the telegram.Client contract on gotd/td
// with an MTProto user session persisted to disk. Interactive login is
// never performed here: the session file is provisioned out of band and
// an unauthorised session fails Connect with AuthRequired.
package gotdclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/pkg/errors"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/telegram"
)

type Client struct {
	apiID       int
	apiHash     string
	sessionPath string

	client *tdclient.Client
	api    *tg.Client
	cancel context.CancelFunc
	runErr chan error
}

func New(apiID int, apiHash, sessionPath string) *Client {
	return &Client{
		apiID:       apiID,
		apiHash:     apiHash,
		sessionPath: sessionPath,
	}
}

// Connect starts the MTProto client and blocks until the session is
// authorised or fails. The client runs in a background goroutine until
// Close; Connect may be called again after Close to reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.client = tdclient.NewClient(c.apiID, c.apiHash, tdclient.Options{
		SessionStorage: &session.FileStorage{Path: c.sessionPath},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runErr = make(chan error, 1)
	ready := make(chan struct{})

	go func() {
		c.runErr <- c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return models.NewQueryError(models.ErrAuthRequired,
					"session at %s is not authorised; provision it before starting the service", c.sessionPath)
			}
			c.api = c.client.API()
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return nil
	case err := <-c.runErr:
		cancel()
		if err == nil {
			err = errors.New("telegram client stopped before authorising")
		}
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.runErr:
	case <-time.After(5 * time.Second):
	}
	c.cancel = nil
	return nil
}

func (c *Client) ResolvePeer(ctx context.Context, username string) (telegram.Peer, error) {
	name := username
	if len(name) > 0 && name[0] == '@' {
		name = name[1:]
	}
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if err != nil {
		return telegram.Peer{}, errors.Wrapf(err, "resolve %s", username)
	}
	for _, u := range res.Users {
		if user, ok := u.(*tg.User); ok {
			return telegram.Peer{Username: name, UserID: user.ID, AccessHash: user.AccessHash}, nil
		}
	}
	return telegram.Peer{}, errors.Errorf("resolve %s: no user in response", username)
}

func (c *Client) SendText(ctx context.Context, peer telegram.Peer, text string) error {
	_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     inputPeer(peer),
		Message:  text,
		RandomID: randomID(),
	})
	return errors.Wrap(err, "send message")
}

func (c *Client) History(ctx context.Context, peer telegram.Peer, limit int) ([]telegram.Message, error) {
	if limit <= 0 {
		limit = telegram.TranscriptWindow
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(peer),
		Limit: limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}

	modified, ok := res.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		return nil, nil
	}

	var out []telegram.Message
	for _, mc := range modified.GetMessages() {
		m, ok := mc.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, convertMessage(m))
	}
	return out, nil
}

func (c *Client) ClickButton(ctx context.Context, peer telegram.Peer, msgID int, data []byte) error {
	req := &tg.MessagesGetBotCallbackAnswerRequest{
		Peer:  inputPeer(peer),
		MsgID: msgID,
	}
	req.SetData(data)
	_, err := c.api.MessagesGetBotCallbackAnswer(ctx, req)
	return errors.Wrap(err, "click button")
}

func convertMessage(m *tg.Message) telegram.Message {
	out := telegram.Message{
		ID:   m.ID,
		Text: m.Message,
		Out:  m.Out,
		Date: time.Unix(int64(m.Date), 0).UTC(),
	}

	if markup, ok := m.GetReplyMarkup(); ok {
		if inline, ok := markup.(*tg.ReplyInlineMarkup); ok {
			for _, row := range inline.Rows {
				var buttons []telegram.Button
				for _, bc := range row.Buttons {
					switch b := bc.(type) {
					case *tg.KeyboardButtonCallback:
						buttons = append(buttons, telegram.Button{Label: b.Text, Data: b.Data})
					default:
						// Non-callback buttons still matter for label scans.
						if texter, ok := bc.(interface{ GetText() string }); ok {
							buttons = append(buttons, telegram.Button{Label: texter.GetText()})
						}
					}
				}
				if len(buttons) > 0 {
					out.Buttons = append(out.Buttons, buttons)
				}
			}
		}
	}

	if media, ok := m.GetMedia(); ok {
		var gp tg.GeoPointClass
		switch g := media.(type) {
		case *tg.MessageMediaGeo:
			gp = g.Geo
		case *tg.MessageMediaGeoLive:
			gp = g.Geo
		case *tg.MessageMediaVenue:
			gp = g.Geo
		}
		if pt, ok := gp.(*tg.GeoPoint); ok {
			geo := &telegram.GeoPoint{Lat: pt.Lat, Long: pt.Long}
			if acc, ok := pt.GetAccuracyRadius(); ok {
				geo.AccuracyMeters = float64(acc)
			}
			out.Geo = geo
		}
	}

	return out
}

func inputPeer(p telegram.Peer) tg.InputPeerClass {
	return &tg.InputPeerUser{UserID: p.UserID, AccessHash: p.AccessHash}
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) >> 1)
}
