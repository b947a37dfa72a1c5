// Package wsservice implements the WebSocket Service of spec §4.6: a single
// `/ws/leaderboard` endpoint that accepts subscribers, maintains a local
// subscription index for O(1) fan-out, and bridges local broadcasts with
// cross-server broadcasts over Redis pub/sub.
package wsservice

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/pubsub"
	"github.com/typemaster/leaderboard/internal/ratelimit"
	"github.com/typemaster/leaderboard/internal/wsqueue"
)

// Config bounds the WebSocket Service's connection-acceptance policy.
type Config struct {
	ServerID          string
	MaxMessageBytes   int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateLimit         ratelimit.Config
	Queue             wsqueue.Config
}

// DefaultConfig matches the spec §4.6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:   64 * 1024,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		RateLimit:         ratelimit.DefaultConfig(),
		Queue:             wsqueue.DefaultConfig(),
	}
}

// Registry is the subset of the Connection Registry the service depends on.
type Registry interface {
	RegisterConnection(ctx context.Context, clientID string, sub model.Subscription) (preempted string, err error)
	UpdateSubscription(ctx context.Context, clientID string, old, newSub model.Subscription) error
	UnregisterConnection(ctx context.Context, clientID string) error
	RefreshActivity(ctx context.Context, clientID string) error
	UpgradeToActiveTier(ctx context.Context, userID string) error
}

// Bridge is the subset of the pub/sub bus the service depends on for
// cross-server broadcast bridging.
type Bridge interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channels ...string) *pubsub.Subscription
}

// tupleKey indexes the local subscription map by (mode, timeframe,
// language), per spec §4.6's "local subscription index".
type tupleKey struct {
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
}

// conn is one accepted WebSocket connection's server-side state.
type conn struct {
	clientID string
	ip       string
	ws       *websocket.Conn
	queue    *wsqueue.Queue
	writeMu  sync.Mutex

	mu  sync.Mutex
	sub model.Subscription

	lastActivity atomic64
	closeOnce    sync.Once
	closeCh      chan struct{}
}

// atomic64 is a tiny mutex-guarded UnixNano timestamp, avoiding a
// sync/atomic import for a single field touched from two goroutines.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) set(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) get() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// SendImmediate implements wsqueue.Sender by writing a text frame directly
// to the connection. WebSocket sockets are single-writer (spec §5), so all
// sends funnel through this method guarded by writeMu.
func (c *conn) SendImmediate(msg model.OutboundMessage) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
		return false
	}
	return true
}

// BufferedBytes always returns 0: gorilla/websocket does not expose a
// byte-accurate buffered-write gauge, so the queue's backpressure check
// never trips and its immediate-send path is always tried first.
func (c *conn) BufferedBytes() int {
	return 0
}

// Server is the WebSocket Service of spec §4.6.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	registry Registry
	bridge   Bridge
	limiter  *ratelimit.IPLimiter
	metrics  *metrics.Metrics
	log      *logrus.Entry

	mu         sync.RWMutex
	index      map[tupleKey]map[string]*conn
	byID       map[string]*conn
	bridgeSubs map[tupleKey]*pubsub.Subscription
	bridgeCtx  context.Context
}

// New creates a Server.
func New(cfg Config, reg Registry, bridge Bridge, m *metrics.Metrics, logger *logging.Logger) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	return &Server{
		cfg:        cfg,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
		registry:   reg,
		bridge:     bridge,
		limiter:    ratelimit.New(cfg.RateLimit),
		metrics:    m,
		log:        logger.WithFields(map[string]interface{}{"component": "wsservice"}),
		index:      make(map[tupleKey]map[string]*conn),
		byID:       make(map[string]*conn),
		bridgeSubs: make(map[tupleKey]*pubsub.Subscription),
	}
}

// Run starts the server's own termination listener (spec §4.5: this
// server's connections are preempted by publishing clientIds to
// `leaderboard:terminate:{serverId}`). Per-tuple broadcast-channel bridging
// is established lazily, per spec §4.6, as local subscribers for a given
// (mode, timeframe, language) come and go — see ensureBridgeLocked.
func (s *Server) Run(ctx context.Context, terminateChannel string) {
	s.bridgeCtx = ctx
	sub := s.bridge.Subscribe(ctx, terminateChannel)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				s.handleTerminate(msg.Payload)
			}
		}
	}()
}

func (s *Server) handleTerminate(clientID string) {
	s.mu.RLock()
	c, ok := s.byID[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.closeConn(c, websocket.CloseNormalClosure, "duplicate-user preemption")
}

// BroadcastLocal delivers a delta to every local subscriber of (mode,
// timeframe, language), including timeframe "all" fan-in per spec §4.6's
// subscription semantics, then republishes to the cross-server broadcast
// channel stamped with this server's ID.
func (s *Server) BroadcastLocal(ctx context.Context, delta model.Delta) error {
	s.deliverLocal(delta)

	stamped := struct {
		model.Delta
		ServerID string `json:"serverId"`
	}{Delta: delta, ServerID: s.cfg.ServerID}
	return s.bridge.Publish(ctx, pubsub.BroadcastChannel(delta.Mode, delta.Timeframe, delta.Language), stamped)
}

// HandleBroadcastMessage is invoked by the process's pub/sub bridge
// goroutine for incoming cross-server broadcast messages. Messages stamped
// with this server's own ID are ignored (they originated here and were
// already delivered locally); everything else is delivered to local
// subscribers only.
func (s *Server) HandleBroadcastMessage(payload string) {
	var stamped struct {
		model.Delta
		ServerID string `json:"serverId"`
	}
	if err := json.Unmarshal([]byte(payload), &stamped); err != nil {
		return
	}
	if stamped.ServerID == s.cfg.ServerID {
		return
	}
	s.deliverLocal(stamped.Delta)
}

func (s *Server) deliverLocal(delta model.Delta) {
	payload, err := json.Marshal(leaderboardUpdateEnvelope(delta))
	if err != nil {
		return
	}

	recipients := s.recipientsFor(delta.Mode, delta.Timeframe, delta.Language)
	for _, c := range recipients {
		c.queue.Enqueue(model.OutboundMessage{Priority: priorityFor(c, delta), Payload: payload, EnqueuedAt: time.Now()})
	}
}

// recipientsFor collects every connection subscribed to (mode, timeframe,
// language) directly, plus every connection subscribed to timeframe "all"
// for that (mode, language) — the fan-in spec §4.6 describes as "other
// timeframes receive their own deltas plus all", implemented purely as an
// extra index lookup rather than duplicated storage.
func (s *Server) recipientsFor(mode model.LeaderboardMode, timeframe model.Timeframe, language string) []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]*conn)
	for _, key := range []tupleKey{{mode, timeframe, language}, {mode, model.TimeframeAll, language}} {
		for id, c := range s.index[key] {
			seen[id] = c
		}
	}
	out := make([]*conn, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// priorityFor classifies an outbound delta into the per-client queue's
// priority buckets, per spec §4.7: HIGH for the subscriber's own updates,
// MEDIUM otherwise (nearby-rank granularity is resolved by the around-me
// cache, not re-derived here).
func priorityFor(c *conn, delta model.Delta) model.Priority {
	c.mu.Lock()
	userID := c.sub.UserID
	c.mu.Unlock()
	if userID == "" {
		return model.PriorityMedium
	}
	for _, ch := range delta.Changes {
		if ch.UserID == userID {
			return model.PriorityHigh
		}
	}
	return model.PriorityMedium
}

func leaderboardUpdateEnvelope(delta model.Delta) map[string]interface{} {
	return map[string]interface{}{
		"type":      "leaderboard_update",
		"mode":      delta.Mode,
		"timeframe": delta.Timeframe,
		"language":  delta.Language,
		"version":   delta.Version,
		"changes":   delta.Changes,
		"removed":   delta.Removed,
		"timestamp": time.Now().UnixMilli(),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection, applying the
// connection-acceptance policy of spec §4.6 in order: per-IP rate limit,
// then (per-frame) message size cap as reads arrive, then heartbeat.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	// 1. Per-IP rate limits.
	if !s.limiter.Allow(ip) {
		http.Error(w, leaderrors.IPRateLimited(ip).Error(), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.Release(ip)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	sub := model.Subscription{
		ClientID:     uuid.NewString(),
		UserID:       r.URL.Query().Get("userId"),
		Mode:         model.LeaderboardMode(firstNonEmpty(r.URL.Query().Get("mode"), string(model.ModeGlobal))),
		Timeframe:    model.Timeframe(firstNonEmpty(r.URL.Query().Get("timeframe"), string(model.TimeframeAll))),
		Language:     firstNonEmpty(r.URL.Query().Get("language"), "en"),
		Tier:         model.TierObserver,
		SubscribedAt: time.Now(),
		LastActivity: time.Now(),
		ServerID:     s.cfg.ServerID,
	}

	c := &conn{clientID: sub.ClientID, ip: ip, ws: ws, sub: sub, closeCh: make(chan struct{})}
	c.queue = wsqueue.New(s.cfg.Queue, c)
	c.lastActivity.set(time.Now().UnixNano())

	ctx := r.Context()
	preempted, err := s.registry.RegisterConnection(ctx, c.clientID, sub)
	if err != nil {
		s.log.WithError(err).Warn("register connection failed")
		s.limiter.Release(ip)
		_ = ws.Close()
		return
	}
	_ = preempted // the preempted peer's own server observes the terminate pub/sub message and closes it.

	s.addConn(c)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.ConnectionsTotal.WithLabelValues(s.metrics.ServiceName, "accepted").Inc()
	}

	c.queue.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: connectedPayload(c.clientID), EnqueuedAt: time.Now()})

	go s.heartbeatLoop(c)
	s.readLoop(c)
}

func connectedPayload(clientID string) []byte {
	b, _ := json.Marshal(map[string]interface{}{"type": "connected", "clientId": clientID, "timestamp": time.Now().UnixMilli()})
	return b
}

// readLoop owns the connection's single reader goroutine; it terminates on
// any read error (client-close, oversized frame past ReadLimit, or a
// connection-level failure) and frees all per-client state on exit.
func (s *Server) readLoop(c *conn) {
	defer s.teardown(c, websocket.CloseNormalClosure, "client-close")

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
				s.teardownWithCode(c, websocket.CloseMessageTooBig, "too large")
			}
			return
		}
		c.lastActivity.set(time.Now().UnixNano())
		_ = s.registry.RefreshActivity(context.Background(), c.clientID)
		s.handleMessage(c, payload)
	}
}

func (s *Server) handleMessage(c *conn, payload []byte) {
	var env struct {
		Type      string `json:"type"`
		Mode      string `json:"mode"`
		Timeframe string `json:"timeframe"`
		Language  string `json:"language"`
		UserID    string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	switch env.Type {
	case "ping":
		b, _ := json.Marshal(map[string]interface{}{"type": "pong", "timestamp": time.Now().UnixMilli()})
		c.queue.Enqueue(model.OutboundMessage{Priority: model.PriorityHigh, Payload: b, EnqueuedAt: time.Now()})
	case "subscribe":
		s.handleSubscribe(c, env.Mode, env.Timeframe, env.Language, env.UserID)
	}
}

func (s *Server) handleSubscribe(c *conn, mode, timeframe, language, userID string) {
	c.mu.Lock()
	old := c.sub
	newSub := old
	if mode != "" {
		newSub.Mode = model.LeaderboardMode(mode)
	}
	if timeframe != "" {
		newSub.Timeframe = model.Timeframe(timeframe)
	}
	if language != "" {
		newSub.Language = language
	}
	if userID != "" {
		newSub.UserID = userID
	}
	newSub.LastActivity = time.Now()
	c.sub = newSub
	c.mu.Unlock()

	s.moveIndex(c, old, newSub)

	ctx := context.Background()
	if err := s.registry.UpdateSubscription(ctx, c.clientID, old, newSub); err != nil {
		s.log.WithError(err).Warn("update subscription failed")
	}
	if userID != "" && userID != old.UserID {
		// Tier upgrade on score submission is driven by the ingest path, not
		// subscription changes; a bare userId update here only affects
		// routing, so only refresh activity.
		_ = s.registry.RefreshActivity(ctx, c.clientID)
	}
}

// UpgradeToActiveTier is called by the ingest path on score submission
// (spec §4.6 step 4), keyed by userId rather than clientId since the
// submitter's connection isn't known to the ingest handler.
func (s *Server) UpgradeToActiveTier(ctx context.Context, userID string) error {
	return s.registry.UpgradeToActiveTier(ctx, userID)
}

func (s *Server) heartbeatLoop(c *conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			idleFor := time.Duration(time.Now().UnixNano() - c.lastActivity.get())
			if idleFor > s.cfg.HeartbeatTimeout {
				s.teardownWithCode(c, websocket.CloseNormalClosure, "heartbeat-timeout")
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				s.teardown(c, websocket.CloseNormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *Server) closeConn(c *conn, code int, reason string) {
	s.teardownWithCode(c, code, reason)
}

func (s *Server) teardown(c *conn, code int, reason string) {
	s.teardownWithCode(c, code, reason)
}

func (s *Server) teardownWithCode(c *conn, code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.queue.Close()
		s.removeConn(c)
		s.limiter.Release(c.ip)
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
		_ = s.registry.UnregisterConnection(context.Background(), c.clientID)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.writeMu.Unlock()
	})
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.clientID] = c
	key := tupleKey{c.sub.Mode, c.sub.Timeframe, c.sub.Language}
	s.addToIndexLocked(key, c)
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, c.clientID)
	c.mu.Lock()
	key := tupleKey{c.sub.Mode, c.sub.Timeframe, c.sub.Language}
	c.mu.Unlock()
	s.removeFromIndexLocked(key, c.clientID)
}

func (s *Server) moveIndex(c *conn, old, newSub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldKey := tupleKey{old.Mode, old.Timeframe, old.Language}
	newKey := tupleKey{newSub.Mode, newSub.Timeframe, newSub.Language}
	if oldKey == newKey {
		return
	}
	s.removeFromIndexLocked(oldKey, c.clientID)
	s.addToIndexLocked(newKey, c)
}

// addToIndexLocked inserts c under key and, on the tuple's first local
// subscriber, opens this process's bridge subscription to that tuple's
// cross-server broadcast channel (spec §4.6). Callers hold s.mu.
func (s *Server) addToIndexLocked(key tupleKey, c *conn) {
	if s.index[key] == nil {
		s.index[key] = make(map[string]*conn)
	}
	first := len(s.index[key]) == 0
	s.index[key][c.clientID] = c
	if first && s.bridgeCtx != nil {
		s.openBridgeSubscriptionLocked(key)
	}
}

// removeFromIndexLocked removes clientID from key and, once no local
// subscribers remain for that tuple, closes its bridge subscription.
// Callers hold s.mu.
func (s *Server) removeFromIndexLocked(key tupleKey, clientID string) {
	m, ok := s.index[key]
	if !ok {
		return
	}
	delete(m, clientID)
	if len(m) == 0 {
		delete(s.index, key)
		s.closeBridgeSubscriptionLocked(key)
	}
}

func (s *Server) openBridgeSubscriptionLocked(key tupleKey) {
	if _, ok := s.bridgeSubs[key]; ok {
		return
	}
	channel := pubsub.BroadcastChannel(key.Mode, key.Timeframe, key.Language)
	sub := s.bridge.Subscribe(s.bridgeCtx, channel)
	s.bridgeSubs[key] = sub
	go s.bridgeListenLoop(sub)
}

func (s *Server) closeBridgeSubscriptionLocked(key tupleKey) {
	sub, ok := s.bridgeSubs[key]
	if !ok {
		return
	}
	delete(s.bridgeSubs, key)
	_ = sub.Close()
}

func (s *Server) bridgeListenLoop(sub *pubsub.Subscription) {
	for msg := range sub.Channel() {
		s.HandleBroadcastMessage(msg.Payload)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
