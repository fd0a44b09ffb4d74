package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thyrook/livefen/internal/stream"
)

// DefaultPrefix namespaces every key and channel
const DefaultPrefix = "livefen"

// Update is the message stored and broadcast for each recognised frame
type Update struct {
	Session       string    `json:"session"`
	Frame         string    `json:"frame"`
	FEN           string    `json:"fen"`
	Corners       [4][2]int `json:"corners"`
	Reused        bool      `json:"reused"`
	LowConfidence bool      `json:"low_confidence"`
	At            time.Time `json:"at"`
}

// Publisher keeps the latest placement of each session in Redis and
// broadcasts every new one on a pub/sub channel.
type Publisher struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	owns   bool
}

// New wraps an existing client. ttl <= 0 keeps the latest key forever.
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{rdb: rdb, prefix: prefix, ttl: ttl}
}

// NewFromURL connects to redis://host:port/db and checks the connection
func NewFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	p := New(rdb, prefix, ttl)
	p.owns = true
	return p, nil
}

func (p *Publisher) keyLatest(session string) string { return p.prefix + ":latest:" + session }

// Channel returns the pub/sub channel updates are sent on
func (p *Publisher) Channel() string { return p.prefix + ":fen" }

// Publish stores and broadcasts a recognised frame. Skipped frames are
// ignored. It has the stream.Handler signature.
func (p *Publisher) Publish(ctx context.Context, res stream.FrameResult) error {
	if res.Skipped || res.Err != nil {
		return nil
	}

	u := Update{
		Session:       res.Session,
		Frame:         res.Name,
		FEN:           res.Frame.FEN,
		Reused:        res.Frame.Reused,
		LowConfidence: res.Frame.LowConfidence,
		At:            res.At,
	}
	for i, pt := range res.Frame.Corners {
		u.Corners[i] = [2]int{pt.X, pt.Y}
	}

	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.keyLatest(u.Session), raw, p.ttl)
	pipe.Publish(ctx, p.Channel(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Latest returns the stored update for a session, or nil when there is none
func (p *Publisher) Latest(ctx context.Context, session string) (*Update, error) {
	raw, err := p.rdb.Get(ctx, p.keyLatest(session)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("corrupt update: %w", err)
	}
	return &u, nil
}

// Close closes the client when the publisher created it
func (p *Publisher) Close() error {
	if p.owns {
		return p.rdb.Close()
	}
	return nil
}
