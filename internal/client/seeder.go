package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/conduit/internal/notify"
	"github.com/ssd-technologies/conduit/internal/relay"
)

// DefaultHeartbeatInterval keeps shares well inside the broker's stale
// timeout.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrAllSharesRejected is returned by Run once the broker has rejected the
// heartbeat of every seeded share.
var ErrAllSharesRejected = errors.New("broker rejected every seeded share")

// Seed is a local file offered under a share.
type Seed struct {
	ShareID    string
	OwnerToken string
	Path       string
}

// UploadResult reports the outcome of serving one download request.
type UploadResult struct {
	ShareID  string
	StreamID string
	Bytes    int64
	Err      error
}

type SeederOptions struct {
	Client            *Client
	Seeds             []Seed
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
	Logger            *slog.Logger
	// OnUpload, if set, is called after every upload attempt.
	OnUpload func(UploadResult)
}

// Seeder keeps a set of shares alive and uploads their files whenever the
// broker asks for them.
type Seeder struct {
	client    *Client
	seeds     map[string]Seed
	interval  time.Duration
	dialer    *websocket.Dialer
	clock     clock.Clock
	logger    *slog.Logger
	onUpload  func(UploadResult)
	uploads   sync.WaitGroup
	writeLock sync.Mutex
}

func NewSeeder(opts SeederOptions) (*Seeder, error) {
	if opts.Client == nil {
		return nil, errors.New("seeder needs a client")
	}
	if len(opts.Seeds) == 0 {
		return nil, errors.New("seeder needs at least one share")
	}
	s := &Seeder{
		client:   opts.Client,
		seeds:    make(map[string]Seed, len(opts.Seeds)),
		interval: opts.HeartbeatInterval,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		logger:   opts.Logger,
		onUpload: opts.OnUpload,
	}
	for _, seed := range opts.Seeds {
		if seed.ShareID == "" || seed.OwnerToken == "" || seed.Path == "" {
			return nil, fmt.Errorf("incomplete seed for share %q", seed.ShareID)
		}
		s.seeds[seed.ShareID] = seed
	}
	if s.interval <= 0 {
		s.interval = DefaultHeartbeatInterval
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Run connects to the broker and serves download requests until ctx is
// cancelled or the connection drops. Uploads in flight are cancelled and
// waited for before Run returns.
func (s *Seeder) Run(ctx context.Context) error {
	wsURL, err := s.client.WebsocketURL()
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
		s.uploads.Wait()
	}()

	incoming := make(chan notify.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(incoming)
		for {
			var msg notify.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for id := range s.seeds {
		if err := s.send(conn, notify.TypeSubscribe, notify.SubscribePayload{ShareID: id}); err != nil {
			return err
		}
	}
	if err := s.heartbeat(conn); err != nil {
		return err
	}

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeLock.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeLock.Unlock()
			return nil
		case <-ticker.C:
			if err := s.heartbeat(conn); err != nil {
				return err
			}
		case msg, ok := <-incoming:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("broker connection lost: %w", <-readErr)
			}
			if err := s.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Seeder) handle(ctx context.Context, msg notify.Message) error {
	switch msg.Type {
	case notify.TypeEvent:
		var ev notify.Event
		var req relay.DownloadRequest
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn("malformed event", "error", err)
			return nil
		}
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.logger.Warn("malformed download request", "topic", ev.Topic, "error", err)
			return nil
		}
		seed, ok := s.seeds[req.ShareID]
		if !ok {
			s.logger.Warn("download request for unknown share", "share", req.ShareID)
			return nil
		}
		s.uploads.Add(1)
		go func() {
			defer s.uploads.Done()
			s.upload(ctx, seed, req)
		}()

	case notify.TypeHeartbeatAck:
		var ack notify.HeartbeatAck
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			s.logger.Warn("malformed heartbeat ack", "error", err)
			return nil
		}
		for _, id := range ack.Rejected {
			if _, ok := s.seeds[id]; ok {
				s.logger.Warn("share no longer known to broker, dropping", "share", id)
				delete(s.seeds, id)
			}
		}
		if len(s.seeds) == 0 {
			return ErrAllSharesRejected
		}

	case notify.TypeError:
		var payload notify.ErrorPayload
		json.Unmarshal(msg.Payload, &payload)
		s.logger.Warn("broker error", "error", payload.Error)

	case notify.TypeSubscribed:
		s.logger.Debug("subscribed", "payload", string(msg.Payload))
	}
	return nil
}

func (s *Seeder) upload(ctx context.Context, seed Seed, req relay.DownloadRequest) {
	result := UploadResult{ShareID: seed.ShareID, StreamID: req.StreamID}
	defer func() {
		if s.onUpload != nil {
			s.onUpload(result)
		}
	}()

	f, err := os.Open(seed.Path)
	if err != nil {
		result.Err = err
		s.logger.Error("opening shared file", "share", seed.ShareID, "path", seed.Path, "error", err)
		return
	}
	defer f.Close()

	s.logger.Info("download requested", "share", seed.ShareID, "stream", req.StreamID, "requester", req.Requester)
	start := s.clock.Now()
	result.Bytes, result.Err = s.client.Upload(ctx, seed.ShareID, req.StreamID, seed.OwnerToken, f)
	if result.Err != nil {
		s.logger.Warn("upload failed", "share", seed.ShareID, "stream", req.StreamID, "error", result.Err)
		return
	}
	s.logger.Info("upload finished",
		"share", seed.ShareID,
		"stream", req.StreamID,
		"size", humanize.IBytes(uint64(result.Bytes)),
		"elapsed", s.clock.Since(start).Round(time.Millisecond),
	)
}

func (s *Seeder) heartbeat(conn *websocket.Conn) error {
	entries := make([]notify.HeartbeatEntry, 0, len(s.seeds))
	for _, seed := range s.seeds {
		entries = append(entries, notify.HeartbeatEntry{ShareID: seed.ShareID, OwnerToken: seed.OwnerToken})
	}
	return s.send(conn, notify.TypeHeartbeat, notify.HeartbeatPayload{Shares: entries})
}

func (s *Seeder) send(conn *websocket.Conn, msgType string, payload any) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(notify.Response{Type: msgType, Payload: payload}); err != nil {
		return fmt.Errorf("sending %s: %w", msgType, err)
	}
	return nil
}
