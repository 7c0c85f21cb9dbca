package osubot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	// feedHandshake is sent after connecting to start receiving scores
	feedHandshake = "connect"

	feedHandshakeTimeout = 10 * time.Second
)

// ErrFeedDisconnected is returned by ScoreFeed.Run when the feed
// connection fails or closes. The feed doesn't reconnect by itself.
var ErrFeedDisconnected = errors.New("score feed disconnected")

// FeedState is the connection state of a ScoreFeed
type FeedState int32

const (
	FeedStateIdle FeedState = iota
	FeedStateConnecting
	FeedStateSubscribed
	FeedStateProcessing
	FeedStateDisconnected
)

var feedStateNames = map[FeedState]string{
	FeedStateIdle:         "idle",
	FeedStateConnecting:   "connecting",
	FeedStateSubscribed:   "subscribed",
	FeedStateProcessing:   "processing",
	FeedStateDisconnected: "disconnected",
}

func (s FeedState) String() string {
	if name, ok := feedStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FeedState(%d)", int32(s))
}

func (s FeedState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ScoreHandler evaluates scores received from the feed
type ScoreHandler interface {
	HandleScore(ctx context.Context, score Score) (ScoreOutcome, error)
}

// FeedStats are counters for the lifetime of a ScoreFeed
type FeedStats struct {
	State        FeedState `json:"state"`
	Received     int64     `json:"received"`
	DecodeErrors int64     `json:"decode_errors"`
	Processed    int64     `json:"processed"`
	Notified     int64     `json:"notified"`
	Failed       int64     `json:"failed"`
}

// ScoreFeed consumes the live score websocket, handing each decoded
// score to a ScoreHandler. Scores are sharded across workers by player
// ID, so a player's scores are handled one at a time, in the order
// they arrived.
type ScoreFeed struct {
	url       string
	dialer    *websocket.Dialer
	handler   ScoreHandler
	workers   int
	queueSize int
	logger    *slog.Logger

	state        atomic.Int32
	received     atomic.Int64
	decodeErrors atomic.Int64
	processed    atomic.Int64
	notified     atomic.Int64
	failed       atomic.Int64
}

func NewScoreFeed(
	url string,
	config *TrackerConfig,
	handler ScoreHandler,
	logger *slog.Logger,
) *ScoreFeed {
	if logger == nil {
		logger = slog.Default()
	}
	workers := config.Workers
	if workers < 1 {
		workers = 1
	}
	return &ScoreFeed{
		url:       url,
		dialer:    websocket.DefaultDialer,
		handler:   handler,
		workers:   workers,
		queueSize: config.WorkerQueueSize,
		logger:    logger.With(loggerNameKey, "score_feed"),
	}
}

func (f *ScoreFeed) State() FeedState {
	return FeedState(f.state.Load())
}

func (f *ScoreFeed) setState(ctx context.Context, s FeedState) {
	prev := FeedState(f.state.Swap(int32(s)))
	if prev != s {
		f.logger.InfoContext(ctx, "feed state changed", "from", prev, "to", s)
	}
}

func (f *ScoreFeed) Stats() FeedStats {
	return FeedStats{
		State:        f.State(),
		Received:     f.received.Load(),
		DecodeErrors: f.decodeErrors.Load(),
		Processed:    f.processed.Load(),
		Notified:     f.notified.Load(),
		Failed:       f.failed.Load(),
	}
}

// Run connects to the feed and processes scores until the connection
// closes or ctx is canceled. Queued scores are finished before it
// returns. A closed or failed connection returns ErrFeedDisconnected;
// cancellation returns nil.
func (f *ScoreFeed) Run(ctx context.Context) error {
	f.setState(ctx, FeedStateConnecting)
	conn, resp, err := f.dialer.DialContext(ctx, f.url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		f.setState(ctx, FeedStateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: connecting to %s: %w", ErrFeedDisconnected, f.url, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(feedHandshakeTimeout))
	if err = conn.WriteMessage(websocket.TextMessage, []byte(feedHandshake)); err != nil {
		f.setState(ctx, FeedStateDisconnected)
		return fmt.Errorf("%w: sending handshake: %w", ErrFeedDisconnected, err)
	}
	f.setState(ctx, FeedStateSubscribed)

	queues := make([]chan Score, f.workers)
	workers := errgroup.Group{}
	for i := range queues {
		queue := make(chan Score, f.queueSize)
		queues[i] = queue
		workers.Go(
			func() error {
				f.work(ctx, queue)
				return nil
			},
		)
	}

	// ReadMessage only returns on a frame or a connection error, so
	// closing the connection is what stops the read loop on shutdown
	stop := context.AfterFunc(
		ctx, func() {
			_ = conn.Close()
		},
	)
	defer stop()

	readErr := f.read(ctx, conn, queues)

	for _, q := range queues {
		close(q)
	}
	_ = workers.Wait()
	f.setState(ctx, FeedStateDisconnected)

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFeedDisconnected, readErr)
}

// read receives frames until the connection fails, queueing each
// decoded score on its player's worker
func (f *ScoreFeed) read(
	ctx context.Context,
	conn *websocket.Conn,
	queues []chan Score,
) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.ErrorContext(ctx, "feed read failed", tint.Err(err))
			}
			return err
		}
		if f.State() == FeedStateSubscribed {
			f.setState(ctx, FeedStateProcessing)
		}
		f.received.Add(1)

		var score Score
		if err = json.Unmarshal(data, &score); err != nil {
			f.decodeErrors.Add(1)
			f.logger.WarnContext(
				ctx,
				"error decoding score",
				"data", truncate(string(data), 256),
				tint.Err(err),
			)
			continue
		}

		queue := queues[shard(score.UserID, len(queues))]
		select {
		case queue <- score:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *ScoreFeed) work(ctx context.Context, queue <-chan Score) {
	for score := range queue {
		if ctx.Err() != nil {
			continue
		}
		outcome, err := f.handler.HandleScore(ctx, score)
		f.processed.Add(1)
		if err != nil {
			f.failed.Add(1)
			f.logger.ErrorContext(
				ctx,
				"error handling score",
				"score", score,
				tint.Err(err),
			)
			continue
		}
		if outcome.Notified {
			f.notified.Add(1)
		}
	}
}

// shard maps a player ID to a worker index
func shard(playerID int64, n int) int {
	i := playerID % int64(n)
	if i < 0 {
		i = -i
	}
	return int(i)
}
