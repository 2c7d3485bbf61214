// Package wsfanout is the real-time push layer (C13): per-license
// websocket connection sets, with an optional Redis pub/sub bridge so
// events reach every worker process, not just the one holding the
// connection that triggered them.
package wsfanout

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/almudeer/engine/internal/infra/logger"
	"go.uber.org/zap"
)

const channelPrefix = "almudeer:ws:"

// Event is the envelope written to every connection and published to
// Redis.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Registry tracks local websocket connections per license and bridges
// them across worker processes via Redis pub/sub when configured.
type Registry struct {
	mu          sync.Mutex
	conns       map[int64]map[*websocket.Conn]struct{}
	redisClient *redis.Client
	cancelSub   map[int64]context.CancelFunc
}

// New builds a Registry. redisClient may be nil, in which case fan-out
// is local-only (single-process deployments).
func New(redisClient *redis.Client) *Registry {
	return &Registry{
		conns:       make(map[int64]map[*websocket.Conn]struct{}),
		redisClient: redisClient,
		cancelSub:   make(map[int64]context.CancelFunc),
	}
}

// Register adds conn to licenseID's connection set, starting the Redis
// subscription for that license on the first connection.
func (r *Registry) Register(licenseID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[licenseID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		r.conns[licenseID] = set
		if r.redisClient != nil {
			ctx, cancel := context.WithCancel(context.Background())
			r.cancelSub[licenseID] = cancel
			go r.listen(ctx, licenseID)
		}
	}
	set[conn] = struct{}{}
}

// Unregister removes conn from licenseID's set, tearing down the Redis
// subscription once the last local connection for that license closes.
func (r *Registry) Unregister(licenseID int64, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[licenseID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, licenseID)
		if cancel, ok := r.cancelSub[licenseID]; ok {
			cancel()
			delete(r.cancelSub, licenseID)
		}
	}
}

// SendToLicense publishes an event to every connection for licenseID.
// If Redis is configured, it publishes there instead, and the local
// subscription loop forwards the message back to local connections —
// this guarantees a single delivery path regardless of which worker
// originated the event. Satisfies conversation.Broadcaster and
// outbound's broadcast dependency.
func (r *Registry) SendToLicense(licenseID int64, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("wsfanout: marshal payload failed", zap.Error(err))
		return
	}
	evt := Event{Event: event, Data: data, Timestamp: time.Now().UTC()}

	if r.redisClient != nil {
		encoded, err := json.Marshal(evt)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.redisClient.Publish(ctx, channelPrefix+strconv.FormatInt(licenseID, 10), encoded).Err(); err == nil {
				return
			}
			logger.Debug("wsfanout: redis publish failed, falling back to local", zap.Error(err))
		}
	}

	r.sendLocal(licenseID, evt)
}

func (r *Registry) sendLocal(licenseID int64, evt Event) {
	encoded, err := json.Marshal(evt)
	if err != nil {
		return
	}

	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns[licenseID]))
	for c := range r.conns[licenseID] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var dead []*websocket.Conn
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Write(ctx, websocket.MessageText, encoded)
		cancel()
		if err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.Unregister(licenseID, c)
		_ = c.Close(websocket.StatusInternalError, "write failed")
	}
}

// listen bridges a license's Redis channel back to local connections.
// Runs until ctx is cancelled (the last local connection for the
// license unregistered).
func (r *Registry) listen(ctx context.Context, licenseID int64) {
	sub := r.redisClient.Subscribe(ctx, channelPrefix+strconv.FormatInt(licenseID, 10))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Debug("wsfanout: malformed redis message", zap.Error(err))
				continue
			}
			r.sendLocal(licenseID, evt)
		}
	}
}

// ConnectionCount returns the number of local connections across all
// licenses.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}
