// Package relay pairs downloaders with uploaders and moves bytes between
// them. Nothing is buffered beyond one chunk; the downloader's write
// throttles the uploader's read.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"github.com/ssd-technologies/conduit/internal/share"
	"github.com/ssd-technologies/conduit/internal/telemetry"
)

const (
	DefaultBufferSize  = 8192
	DefaultFlushBytes  = 64 * 1024
	DefaultWaitTimeout = 5 * time.Minute
)

// Notifier delivers a message to the subscribers of a topic.
type Notifier interface {
	Publish(topic string, msg any) error
}

// DownloadRequest is published on the share topic when a downloader is
// waiting. The owning peer answers with an upload for StreamID.
type DownloadRequest struct {
	ShareID   string `json:"share_id"`
	StreamID  string `json:"stream_id"`
	Requester string `json:"requester"`
}

// Options configures a Broker.
type Options struct {
	Registry *share.Registry
	Monitor  *telemetry.Monitor
	Notifier Notifier

	BufferSize int
	FlushBytes int
	// WaitTimeout aborts a stream no uploader bound in time. Zero disables it.
	WaitTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Broker runs the download/upload rendezvous and share teardown.
type Broker struct {
	registry *share.Registry
	monitor  *telemetry.Monitor
	notifier Notifier

	bufferSize  int
	flushBytes  int
	waitTimeout time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Broker. Registry and Monitor are required.
func New(opts Options) *Broker {
	b := &Broker{
		registry:    opts.Registry,
		monitor:     opts.Monitor,
		notifier:    opts.Notifier,
		bufferSize:  opts.BufferSize,
		flushBytes:  opts.FlushBytes,
		waitTimeout: opts.WaitTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if b.bufferSize <= 0 {
		b.bufferSize = DefaultBufferSize
	}
	if b.flushBytes <= 0 {
		b.flushBytes = DefaultFlushBytes
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Download registers a pending stream writing to sink, asks the owner to
// upload, and blocks until the stream finishes. It returns the number of
// bytes written to sink. The sink is closed before Download returns.
func (b *Broker) Download(ctx context.Context, shareID string, sink *share.Sink, requester string) (int64, error) {
	s, st, err := b.registry.CreateStream(shareID, sink)
	if err != nil {
		return 0, err
	}
	defer func() {
		s.Detach(st)
		sink.Close()
	}()

	start := b.clock.Now()
	logger := b.logger.With("share", shareID, "stream", st.ID)

	var timeout <-chan time.Time
	if b.waitTimeout > 0 {
		timer := b.clock.Timer(b.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	logger.Info("download waiting for uploader", "requester", requester)
	if b.notifier != nil {
		req := DownloadRequest{ShareID: shareID, StreamID: st.ID, Requester: requester}
		if err := b.notifier.Publish(share.Topic(shareID), req); err != nil {
			logger.Warn("failed to notify owner", "error", err)
		}
	}

	cancelled := ctx.Done()
	for waiting := true; waiting; {
		select {
		case <-st.Done():
			waiting = false
		case <-cancelled:
			cancelled = nil
			st.Abort(fmt.Errorf("downloader disconnected: %w: %w", share.ErrTransferAborted, context.Cause(ctx)))
		case <-timeout:
			timeout = nil
			if st.Expire() {
				logger.Warn("no uploader bound the stream in time", "timeout", b.waitTimeout)
			}
		}
	}

	written := sink.Written()
	if st.State() != share.Completed {
		err := st.Err()
		logger.Warn("download aborted", "error", err, "written", written)
		return written, err
	}

	elapsed := b.clock.Since(start).Milliseconds()
	b.monitor.RecordDownload(shareID, written, elapsed)
	logger.Info("download complete", "size", humanize.IBytes(uint64(written)))
	return written, nil
}

// Authorize resolves the share and checks the owner token. Handlers call it
// before touching a request body.
func (b *Broker) Authorize(shareID, token string) (*share.Share, error) {
	s, err := b.registry.Get(shareID)
	if err != nil {
		return nil, err
	}
	if err := share.Authorize(s, token); err != nil {
		return nil, fmt.Errorf("share %q: %w", shareID, err)
	}
	return s, nil
}

// Upload binds src to the pending stream and relays it to the waiting
// downloader. It returns the number of bytes relayed.
func (b *Broker) Upload(ctx context.Context, shareID, streamID, token string, src *share.Source) (int64, error) {
	s, err := b.Authorize(shareID, token)
	if err != nil {
		return 0, err
	}
	st, err := s.Bind(streamID, src)
	if err != nil {
		return 0, err
	}

	logger := b.logger.With("share", shareID, "stream", streamID)
	logger.Info("upload bound")

	n, err := b.relay(ctx, st, s.Size)
	if err != nil {
		cause := fmt.Errorf("%w: %w", share.ErrTransferAborted, err)
		if !st.Fail(cause) {
			cause = st.Err()
		}
		logger.Warn("relay aborted", "error", cause, "relayed", n)
		return n, cause
	}
	if !st.Complete() {
		// Torn down between the last write and completion.
		return n, st.Err()
	}

	b.monitor.RecordUpload(shareID, n)
	logger.Info("upload complete", "size", humanize.IBytes(uint64(n)))
	return n, nil
}

// relay copies the stream's source into its sink in bufferSize chunks,
// flushing every flushBytes and once at the end.
func (b *Broker) relay(ctx context.Context, st *share.Stream, size int64) (int64, error) {
	src, sink := st.Source(), st.Sink()
	buf := make([]byte, b.bufferSize)

	var total int64
	unflushed := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("uploader disconnected: %w", err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := sink.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, fmt.Errorf("write to downloader: %w", werr)
			}
			unflushed += w
			if unflushed >= b.flushBytes {
				if err := sink.Flush(); err != nil {
					return total, fmt.Errorf("flush to downloader: %w", err)
				}
				unflushed = 0
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("read from uploader: %w", rerr)
		}
	}

	if total != size {
		return total, fmt.Errorf("uploader sent %d bytes, share declares %d", total, size)
	}
	if err := sink.Flush(); err != nil {
		return total, fmt.Errorf("flush to downloader: %w", err)
	}
	return total, nil
}

// Unshare tears the share down on behalf of its owner: active streams are
// aborted, the share is removed and its telemetry cleared.
func (b *Broker) Unshare(shareID, token string) error {
	s, err := b.Authorize(shareID, token)
	if err != nil {
		return err
	}
	return b.teardown(s, false)
}

// Evict is Unshare for shares with no streams. It fails with ErrBusy if a
// stream was attached since the caller last looked.
func (b *Broker) Evict(shareID, token string) error {
	s, err := b.Authorize(shareID, token)
	if err != nil {
		return err
	}
	return b.teardown(s, true)
}

func (b *Broker) teardown(s *share.Share, requireIdle bool) error {
	streams, err := b.registry.Retire(s, requireIdle)
	if err != nil {
		return err
	}

	cause := fmt.Errorf("share %q removed: %w", s.ID, share.ErrTransferAborted)
	for _, st := range streams {
		if st.Abort(cause) {
			b.logger.Debug("stream aborted", "share", s.ID, "stream", st.ID)
		}
	}
	b.monitor.Clear(s.ID)

	b.logger.Info("share removed", "share", s.ID, "filename", s.Filename, "aborted_streams", len(streams))
	return nil
}
