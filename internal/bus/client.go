// Package bus implements the stream broker client: durable, ordered,
// per-channel message logs with consumer-group semantics on Redis Streams.
// Messages are totally ordered within a channel by append offset; delivery is
// at-least-once per consumer group, so handlers must be idempotent on
// message_id.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"coherencebus/internal/breaker"
	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// Offset is a position in a channel stream (a Redis stream entry id).
type Offset = string

// Handler consumes one message. A nil return acks the message; an error
// triggers redelivery up to MaxAttempts, then the dead-letter queue.
type Handler func(ctx context.Context, env *types.Envelope) error

// offsetKey carries the delivered message's stream offset to the handler.
type offsetKey struct{}

// DeliveryOffset returns the stream offset of the message currently being
// handled. Valid only inside a Subscribe handler.
func DeliveryOffset(ctx context.Context) (Offset, bool) {
	off, ok := ctx.Value(offsetKey{}).(Offset)
	return off, ok
}

// ChannelBounds caps one stream.
type ChannelBounds struct {
	MaxLen    int64
	Retention time.Duration
}

// Options configure the broker client.
type Options struct {
	// URL is the Redis address (host:port).
	URL string
	// DBPath locates the SQLite file backing idempotency and dead letters.
	DBPath string
	// Bounds per channel. Channels without bounds reject publishes.
	Bounds map[types.Channel]ChannelBounds
	// Breakers guards each channel's publish path.
	Breakers *breaker.Registry
	// MaxAttempts per delivery before dead-lettering. Default 3.
	MaxAttempts int
	// BatchSize bounds one consumer read. Default 10.
	BatchSize int64
	// BlockTime bounds one consumer poll. Default 5s.
	BlockTime time.Duration
	// BackpressureWindow bounds how long a saturated publish blocks
	// (timeout_window/4 in the standard configuration).
	BackpressureWindow time.Duration
}

type seenEntry struct {
	offset    string
	expiresAt time.Time
}

// Client is the stream broker client. Safe for concurrent use.
type Client struct {
	rdb     *redis.Client
	opts    Options
	persist *persistence

	seenMu sync.Mutex
	seen   map[string]seenEntry

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New connects to the broker and warms the idempotency window from disk.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 5 * time.Second
	}
	if opts.BackpressureWindow <= 0 {
		opts.BackpressureWindow = 75 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.URL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", types.ErrBusUnavailable, opts.URL, err)
	}

	persist, err := openPersistence(opts.DBPath)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	seen, err := persist.loadSeen(time.Now())
	if err != nil {
		persist.close()
		rdb.Close()
		return nil, err
	}
	logging.Bus("broker client connected to %s, %d live idempotency entries", opts.URL, len(seen))

	c := &Client{
		rdb:     rdb,
		opts:    opts,
		persist: persist,
		seen:    seen,
		closed:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c, nil
}

// Publish appends an envelope to its channel. Idempotent on message_id: a
// duplicate within the TTL window returns the original offset without a
// second append. Returns ErrBusBackpressure when the channel stays saturated
// past the backpressure window, ErrCircuitOpen when the channel's breaker is
// open, and ErrBusUnavailable on broker failures. Priority-1 envelopes skip
// pacing; the stream's MAXLEN still evicts the oldest entry first.
func (c *Client) Publish(ctx context.Context, env *types.Envelope) (Offset, error) {
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	bounds, ok := c.opts.Bounds[env.Channel]
	if !ok {
		return "", fmt.Errorf("no bounds configured for channel %q", env.Channel)
	}

	if offset, dup := c.lookupSeen(env.MessageID); dup {
		logging.BusDebug("duplicate publish %s on %s, returning offset %s", env.MessageID, env.Channel, offset)
		return offset, nil
	}
	// On a memory miss, the SQLite record is still authoritative: another
	// process sharing the database may have published the id already.
	if offset, expiry, dup, err := c.persist.lookupMessage(env.MessageID, time.Now()); err != nil {
		logging.Get(logging.CategoryBus).Warn("idempotency lookup %s: %v", env.MessageID, err)
	} else if dup {
		c.rememberSeen(env.MessageID, offset, expiry)
		logging.BusDebug("duplicate publish %s on %s found on disk, returning offset %s", env.MessageID, env.Channel, offset)
		return offset, nil
	}

	br := c.opts.Breakers.Get("bus:" + string(env.Channel))
	if err := br.Allow(); err != nil {
		return "", err
	}

	if env.Priority == 0 {
		if err := c.pace(ctx, env.Channel, bounds); err != nil {
			// Saturation is the producer's problem, not the broker's.
			return "", err
		}
	}

	payload, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}

	offset, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: string(env.Channel),
		MaxLen: bounds.MaxLen,
		Approx: false,
		ID:     "*",
		Values: map[string]interface{}{"envelope": string(payload)},
	}).Result()
	br.Record(err)
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", types.ErrBusUnavailable, env.Channel, err)
	}

	ttl := time.Duration(env.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = bounds.Retention
	}
	expiry := time.Now().Add(ttl)
	c.rememberSeen(env.MessageID, offset, expiry)
	if err := c.persist.rememberMessage(env.MessageID, string(env.Channel), offset, expiry); err != nil {
		logging.Get(logging.CategoryBus).Warn("persist idempotency entry: %v", err)
	}

	logging.BusDebug("published %s to %s at %s", env.MessageID, env.Channel, offset)
	return offset, nil
}

// pace implements backpressure: linear delay from 80% of the cap, and a
// bounded wait for drain at full saturation.
func (c *Client) pace(ctx context.Context, channel types.Channel, bounds ChannelBounds) error {
	length, err := c.rdb.XLen(ctx, string(channel)).Result()
	if err != nil {
		return fmt.Errorf("%w: xlen %s: %v", types.ErrBusUnavailable, channel, err)
	}
	fill := float64(length) / float64(bounds.MaxLen)
	if fill < 0.8 {
		return nil
	}

	window := c.opts.BackpressureWindow
	if fill < 1.0 {
		delay := time.Duration(float64(window) * (fill - 0.8) / 0.2)
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Saturated: wait for drain up to the window, then refuse.
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			length, err := c.rdb.XLen(ctx, string(channel)).Result()
			if err != nil {
				return fmt.Errorf("%w: xlen %s: %v", types.ErrBusUnavailable, channel, err)
			}
			if length < bounds.MaxLen {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("%w: channel %s at %d/%d", types.ErrBusBackpressure, channel, length, bounds.MaxLen)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe starts a consumer in the given group and blocks until ctx is
// cancelled or the client closes. Batches are bounded by BatchSize and
// BlockTime; failed deliveries are retried MaxAttempts times and then
// dead-lettered.
func (c *Client) Subscribe(ctx context.Context, channel types.Channel, group, consumer string, handler Handler) error {
	if err := c.ensureGroup(ctx, channel, group); err != nil {
		return err
	}
	logging.Bus("consumer %s/%s subscribed to %s", group, consumer, channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{string(channel), ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Get(logging.CategoryBus).Warn("xreadgroup %s/%s: %v", channel, group, err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.deliver(ctx, channel, group, msg, handler)
			}
		}
	}
}

// deliver runs the handler with bounded retries, then acks or dead-letters.
func (c *Client) deliver(ctx context.Context, channel types.Channel, group string, msg redis.XMessage, handler Handler) {
	ctx = context.WithValue(ctx, offsetKey{}, Offset(msg.ID))
	raw, _ := msg.Values["envelope"].(string)
	env, err := types.DecodeEnvelope([]byte(raw))
	if err != nil {
		logging.Get(logging.CategoryBus).Error("undecodable message %s on %s: %v", msg.ID, channel, err)
		c.deadLetterMsg(channel, group, msg.ID, "", []byte(raw), 0, err)
		c.ack(ctx, channel, group, msg.ID)
		return
	}

	// Expired messages are dropped, not delivered.
	if env.TTLSeconds > 0 && time.Since(env.Timestamp) > time.Duration(env.TTLSeconds)*time.Second {
		logging.BusDebug("dropping expired message %s on %s", env.MessageID, channel)
		c.ack(ctx, channel, group, msg.ID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if lastErr = handler(ctx, env); lastErr == nil {
			c.ack(ctx, channel, group, msg.ID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logging.BusDebug("handler attempt %d/%d failed for %s on %s: %v",
			attempt, c.opts.MaxAttempts, env.MessageID, channel, lastErr)
		if attempt < c.opts.MaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}

	c.deadLetterMsg(channel, group, msg.ID, env.MessageID, []byte(raw), c.opts.MaxAttempts, lastErr)
	c.ack(ctx, channel, group, msg.ID)
}

func (c *Client) deadLetterMsg(channel types.Channel, group, offset, messageID string, payload []byte, deliveries int, cause error) {
	dl := DeadLetter{
		Channel:       string(channel),
		ConsumerGroup: group,
		MessageID:     messageID,
		Offset:        offset,
		Payload:       payload,
		DeliveryCount: deliveries,
		LastError:     cause.Error(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.persist.deadLetter(dl); err != nil {
		logging.Get(logging.CategoryBus).Error("dead-letter store failed for %s: %v", messageID, err)
		return
	}
	logging.Bus("dead-lettered %s from %s/%s after %d deliveries: %v", messageID, channel, group, deliveries, cause)
}

func (c *Client) ack(ctx context.Context, channel types.Channel, group, id string) {
	if err := c.rdb.XAck(ctx, string(channel), group, id).Err(); err != nil && ctx.Err() == nil {
		logging.Get(logging.CategoryBus).Warn("xack %s on %s/%s: %v", id, channel, group, err)
	}
}

func (c *Client) ensureGroup(ctx context.Context, channel types.Channel, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, string(channel), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", types.ErrBusUnavailable, group, channel, err)
	}
	return nil
}

// Trim caps the channel to maxLen, evicting oldest entries first.
func (c *Client) Trim(ctx context.Context, channel types.Channel, maxLen int64) error {
	if err := c.rdb.XTrimMaxLen(ctx, string(channel), maxLen).Err(); err != nil {
		return fmt.Errorf("%w: xtrim %s: %v", types.ErrBusUnavailable, channel, err)
	}
	return nil
}

// Len returns the current channel length.
func (c *Client) Len(ctx context.Context, channel types.Channel) (int64, error) {
	n, err := c.rdb.XLen(ctx, string(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xlen %s: %v", types.ErrBusUnavailable, channel, err)
	}
	return n, nil
}

// Replay reads the channel history starting at fromOffset ("0" or "-" for the
// beginning) outside any consumer group, handing each entry to the handler.
func (c *Client) Replay(ctx context.Context, channel types.Channel, fromOffset string, handler Handler) (int, error) {
	if fromOffset == "" || fromOffset == "0" {
		fromOffset = "-"
	}
	count := 0
	start := fromOffset
	lastID := ""
	for {
		msgs, err := c.rdb.XRangeN(ctx, string(channel), start, "+", 128).Result()
		if err != nil {
			return count, fmt.Errorf("%w: xrange %s: %v", types.ErrBusUnavailable, channel, err)
		}
		progressed := false
		for _, msg := range msgs {
			if msg.ID == lastID {
				continue
			}
			progressed = true
			raw, _ := msg.Values["envelope"].(string)
			env, err := types.DecodeEnvelope([]byte(raw))
			if err != nil {
				logging.Get(logging.CategoryBus).Warn("skipping undecodable replay entry %s: %v", msg.ID, err)
				continue
			}
			if err := handler(ctx, env); err != nil {
				return count, err
			}
			count++
		}
		if len(msgs) == 0 || !progressed {
			return count, nil
		}
		// Resume from the last delivered id; the overlap entry is skipped
		// above.
		lastID = msgs[len(msgs)-1].ID
		start = lastID
	}
}

// DeadLetters lists stored dead letters for a channel and group.
func (c *Client) DeadLetters(channel types.Channel, group string) ([]DeadLetter, error) {
	return c.persist.deadLetters(string(channel), group)
}

// Lengths reports every configured channel's current length.
func (c *Client) Lengths(ctx context.Context) (map[types.Channel]int64, error) {
	out := make(map[types.Channel]int64, len(c.opts.Bounds))
	for ch := range c.opts.Bounds {
		n, err := c.Len(ctx, ch)
		if err != nil {
			return nil, err
		}
		out[ch] = n
	}
	return out, nil
}

func (c *Client) lookupSeen(messageID string) (string, bool) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	entry, ok := c.seen[messageID]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.offset, true
}

func (c *Client) rememberSeen(messageID, offset string, expiresAt time.Time) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	c.seen[messageID] = seenEntry{offset: offset, expiresAt: expiresAt}
}

// sweepLoop prunes expired idempotency entries from memory and disk.
func (c *Client) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			now := time.Now()
			c.seenMu.Lock()
			for id, entry := range c.seen {
				if now.After(entry.expiresAt) {
					delete(c.seen, id)
				}
			}
			c.seenMu.Unlock()
			if n, err := c.persist.sweepExpired(now); err != nil {
				logging.Get(logging.CategoryBus).Warn("sweep expired: %v", err)
			} else if n > 0 {
				logging.BusDebug("swept %d expired idempotency entries", n)
			}
		}
	}
}

// Close releases the broker connection and the local database.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
		if perr := c.persist.close(); perr != nil {
			err = perr
		}
		if rerr := c.rdb.Close(); rerr != nil && err == nil {
			err = rerr
		}
	})
	return err
}
