// Package session owns the single Telegram user session: connect and
// auth at startup, resolve the bot peer, serialise conversation
// operations, and reconnect with backoff when the transport degrades.
package session

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/telegram"
)

// ErrNoReply is returned by WaitForReply when the wait window elapses
// without a matching inbound message. The broker maps it to BotSilent
// after its retry budget runs out.
var ErrNoReply = errors.New("no matching reply within wait window")

type Settings struct {
	// SessionWait bounds how long callers block waiting for a ready
	// session before SessionUnavailable.
	SessionWait time.Duration
	// PollInterval between history reads in WaitForReply.
	PollInterval time.Duration
	// ReconnectBase is the first reconnect delay; doubles up to ReconnectCap.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

type Supervisor struct {
	client      telegram.Client
	botUsername string
	settings    Settings
	log         *slog.Logger

	// opMu serialises conversation operations on the session. The broker
	// runs a single worker, this guards everything else (readyz probes,
	// future admin surfaces).
	opMu sync.Mutex

	stateMu sync.Mutex
	ready   bool
	peer    telegram.Peer
	readyCh chan struct{}

	reconnectCh chan struct{}
}

func New(client telegram.Client, botUsername string, log *slog.Logger) *Supervisor {
	return &Supervisor{
		client:      client,
		botUsername: botUsername,
		log:         log,
		settings: Settings{
			SessionWait:   30 * time.Second,
			PollInterval:  400 * time.Millisecond,
			ReconnectBase: time.Second,
			ReconnectCap:  time.Minute,
		},
		readyCh:     make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
}

func (s *Supervisor) WithSettings(st Settings) *Supervisor {
	if st.SessionWait > 0 {
		s.settings.SessionWait = st.SessionWait
	}
	if st.PollInterval > 0 {
		s.settings.PollInterval = st.PollInterval
	}
	if st.ReconnectBase > 0 {
		s.settings.ReconnectBase = st.ReconnectBase
	}
	if st.ReconnectCap > 0 {
		s.settings.ReconnectCap = st.ReconnectCap
	}
	return s
}

// Run connects the session and keeps it alive until ctx is cancelled.
// An unauthorised session fails Run immediately: AuthRequired is never
// retried, the operator has to provision a session file.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return errors.Wrap(err, "initial session connect")
	}
	s.log.Info("telegram session ready", "bot", s.botUsername)

	for {
		select {
		case <-ctx.Done():
			_ = s.client.Close()
			return ctx.Err()
		case <-s.reconnectCh:
		}

		// A token can be stale: degrade fires on every op failure, and a
		// reconnect may already have finished. Mark unready with a fresh
		// channel before reconnecting so the channel is never closed twice.
		s.stateMu.Lock()
		if s.ready {
			s.ready = false
			s.readyCh = make(chan struct{})
		}
		s.stateMu.Unlock()

		_ = s.client.Close()
		delay := s.settings.ReconnectBase
		for {
			s.log.Warn("telegram session degraded, reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay)):
			}

			err := s.connect(ctx)
			if err == nil {
				s.log.Info("telegram session restored", "bot", s.botUsername)
				break
			}
			if models.IsKind(err, models.ErrAuthRequired) {
				return err
			}
			s.log.Error("telegram session reconnect failed", "error", err)
			delay *= 2
			if delay > s.settings.ReconnectCap {
				delay = s.settings.ReconnectCap
			}
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	peer, err := s.client.ResolvePeer(ctx, s.botUsername)
	if err != nil {
		_ = s.client.Close()
		return errors.Wrapf(err, "resolve bot peer %s", s.botUsername)
	}

	s.stateMu.Lock()
	s.peer = peer
	if !s.ready {
		s.ready = true
		close(s.readyCh)
	}
	s.stateMu.Unlock()
	return nil
}

// Ready reports whether the session is connected and the peer resolved.
func (s *Supervisor) Ready() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.ready
}

func (s *Supervisor) degrade(err error) {
	s.stateMu.Lock()
	if s.ready {
		s.ready = false
		s.readyCh = make(chan struct{})
	}
	s.stateMu.Unlock()

	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
	s.log.Warn("telegram session operation failed", "error", err)
}

// ensureReady blocks until the session is usable, up to the session
// wait budget, then fails with SessionUnavailable.
func (s *Supervisor) ensureReady(ctx context.Context) (telegram.Peer, error) {
	s.stateMu.Lock()
	if s.ready {
		peer := s.peer
		s.stateMu.Unlock()
		return peer, nil
	}
	ch := s.readyCh
	s.stateMu.Unlock()

	t := time.NewTimer(s.settings.SessionWait)
	defer t.Stop()
	select {
	case <-ch:
		s.stateMu.Lock()
		peer := s.peer
		s.stateMu.Unlock()
		return peer, nil
	case <-t.C:
		return telegram.Peer{}, models.NewQueryError(models.ErrSessionUnavailable,
			"session not ready within %s", s.settings.SessionWait)
	case <-ctx.Done():
		return telegram.Peer{}, ctx.Err()
	}
}

func (s *Supervisor) SendText(ctx context.Context, text string) error {
	peer, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.client.SendText(ctx, peer, text); err != nil {
		s.degrade(err)
		return errors.Wrap(err, "send text")
	}
	return nil
}

func (s *Supervisor) History(ctx context.Context, limit int) ([]telegram.Message, error) {
	peer, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	msgs, err := s.client.History(ctx, peer, limit)
	if err != nil {
		s.degrade(err)
		return nil, errors.Wrap(err, "read history")
	}
	return msgs, nil
}

// ClickButton presses an inline button. Failures here do not degrade
// the session: a stale or withdrawn button is a conversation-level
// problem, not a transport one.
func (s *Supervisor) ClickButton(ctx context.Context, msgID int, data []byte) error {
	peer, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.client.ClickButton(ctx, peer, msgID, data); err != nil {
		return errors.Wrap(err, "click button")
	}
	return nil
}

// Watermark returns the highest message id currently in the transcript,
// or 0 for an empty conversation. Replies to a new query are the
// inbound messages above this mark.
func (s *Supervisor) Watermark(ctx context.Context) (int, error) {
	msgs, err := s.History(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[0].ID, nil
}

// WaitForReply polls the transcript until an inbound message newer than
// sinceID satisfies match, or the wait window elapses (ErrNoReply). A
// nil match accepts any inbound message.
func (s *Supervisor) WaitForReply(ctx context.Context, sinceID int, wait time.Duration, match func(telegram.Message) bool) (telegram.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs, err := s.History(ctx, telegram.TranscriptWindow)
		if err != nil {
			return telegram.Message{}, err
		}
		for _, m := range msgs {
			if m.Out || m.ID <= sinceID {
				continue
			}
			if match == nil || match(m) {
				return m, nil
			}
		}

		if !time.Now().Before(deadline) {
			return telegram.Message{}, ErrNoReply
		}
		select {
		case <-ctx.Done():
			return telegram.Message{}, ctx.Err()
		case <-time.After(s.settings.PollInterval):
		}
	}
}

func jitter(d time.Duration) time.Duration {
	// +-25%, keeps reconnect storms from synchronising.
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}
