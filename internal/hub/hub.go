package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/metrics"
)

const writeWait = 10 * time.Second

// Disconnect reasons and initiators, used as metric labels.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonTimeout      = "heartbeat_timeout"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "server_shutdown"
	ReasonClientClose  = "client_close"

	InitiatedByServer = "server"
	InitiatedByClient = "client"
)

// Config tunes buffering and liveness.
type Config struct {
	ClientBuffer      int           // outgoing frames buffered per client
	HeartbeatInterval time.Duration // server ping cadence
	ConnectionTimeout time.Duration // max silence before a client is reaped
}

// DefaultConfig mirrors the stock settings.
func DefaultConfig() Config {
	return Config{
		ClientBuffer:      256,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
	}
}

// Hub keeps the client registry and the derived channel index in sync
// under one lock and fans published frames out to subscriber buffers.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	clients  map[string]*Client
	channels map[string]map[string]*Client
	subCount int

	seq    atomic.Int64
	stop   chan struct{}
	once   sync.Once
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds the hub and starts its heartbeat reaper.
func New(cfg Config, logger zerolog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logger.With().Str("component", "hub").Logger(),
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
		stop:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.reaper()
	return h
}

// OnConnect registers an upgraded connection, sends the welcome frame and
// starts the read/write pumps. The returned client is owned by the hub.
func (h *Hub) OnConnect(conn net.Conn, identity Identity) *Client {
	c := &Client{
		ID:          fmt.Sprintf("client-%d", h.seq.Add(1)),
		identity:    identity,
		conn:        conn,
		send:        make(chan []byte, h.cfg.ClientBuffer),
		connectedAt: time.Now(),
		channels:    make(map[string]struct{}),
	}
	c.touch()

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.RecordConnection()

	c.enqueue(frame(TypeWelcome, welcomePayload{
		ClientID:          c.ID,
		AvailableChannels: AvailableChannels(),
		ServerTime:        time.Now().UTC().Format(time.RFC3339),
	}, ""))

	go h.writePump(c)
	go h.readPump(c)

	h.logger.Debug().Str("client_id", c.ID).Bool("authenticated", identity.Authenticated).
		Msg("Client connected")
	return c
}

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscriptionCount reports live subscriptions across all clients.
func (h *Hub) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subCount
}

// PublishTokenUpdate broadcasts a token payload to the tokens channel and
// the token's own channel.
func (h *Hub) PublishTokenUpdate(address string, payload any) {
	h.publish([]string{ChannelTokens, TokenChannel(address)}, TypeTokenUpdate, payload)
}

// PublishAlert broadcasts to the alerts channel.
func (h *Hub) PublishAlert(alert Alert) {
	h.publish([]string{ChannelAlerts}, TypeAlert, alert)
}

// PublishFilterResults broadcasts filter output to the filters channel and
// the filter's own channel.
func (h *Hub) PublishFilterResults(filterID string, payload any) {
	h.publish([]string{ChannelFilters, FilterChannel(filterID)}, TypeFilterResult, payload)
}

// PublishMarket broadcasts a market snapshot payload.
func (h *Hub) PublishMarket(payload any) {
	h.publish([]string{ChannelMarket}, TypePriceUpdate, payload)
}

// publish enqueues one frame per channel to every subscriber. Enqueueing
// happens under the hub lock so every subscriber observes broadcasts in
// the same order; a full buffer marks the client slow and it is evicted
// after the lock is released. The publisher never blocks.
func (h *Hub) publish(channels []string, typ string, payload any) {
	var slow []*Client
	h.mu.Lock()
	for _, ch := range channels {
		subs := h.channels[ch]
		if len(subs) == 0 {
			continue
		}
		data := frame(typ, payload, ch)
		for _, c := range subs {
			if !c.enqueue(data) {
				metrics.RecordMessageDropped(ch, ReasonSlowConsumer)
				slow = append(slow, c)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		metrics.RecordSlowClientEvicted()
		h.logger.Warn().Str("client_id", c.ID).Msg("Evicting slow consumer")
		h.disconnect(c, ReasonSlowConsumer, InitiatedByServer,
			ws.StatusPolicyViolation, "slow consumer")
	}
}

// Shutdown closes every client with a going-away frame and stops the
// reaper.
func (h *Hub) Shutdown() {
	h.closed.Store(true)
	h.once.Do(func() { close(h.stop) })

	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		h.disconnect(c, ReasonShutdown, InitiatedByServer, ws.StatusGoingAway, "server shutting down")
	}
	h.wg.Wait()
	h.logger.Info().Int("clients_closed", len(all)).Msg("Hub shut down")
}

func (h *Hub) readPump(c *Client) {
	defer h.disconnect(c, ReasonReadError, InitiatedByClient, ws.StatusNormalClosure, "")

	for {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.ConnectionTimeout))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.touch()

		switch op {
		case ws.OpText:
			h.handleMessage(c, msg)
		case ws.OpPing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpPong, nil)
		case ws.OpPong:
			// lastSeen already touched
		case ws.OpClose:
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		h.disconnect(c, ReasonWriteError, InitiatedByServer, ws.StatusNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
				return
			}
			metrics.RecordMessageSent()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-h.stop:
			return
		}
	}
}

// handleMessage dispatches one inbound text frame. Protocol errors are
// answered with an error frame; the connection stays open.
func (h *Hub) handleMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid JSON")
		return
	}
	switch msg.Type {
	case typeSubscribe:
		h.subscribe(c, msg.Channels)
	case typeUnsubscribe:
		h.unsubscribe(c, msg.Channels)
	case typePing:
		c.enqueue(frame(TypePong, nil, ""))
	default:
		h.sendError(c, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (h *Hub) sendError(c *Client, message string) {
	c.enqueue(frame(TypeError, errorPayload{
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}, ""))
}

// subscribe validates each requested channel and registers the accepted
// ones. Both sides of the index mutate under the hub lock.
func (h *Hub) subscribe(c *Client, requested []string) {
	var accepted, rejected []string

	h.mu.Lock()
	if _, registered := h.clients[c.ID]; registered {
		for _, name := range requested {
			ch, err := validateChannel(name, c.identity)
			if err != nil {
				rejected = append(rejected, name)
				continue
			}
			if _, dup := c.channels[ch]; dup {
				accepted = append(accepted, ch)
				continue
			}
			c.channels[ch] = struct{}{}
			if h.channels[ch] == nil {
				h.channels[ch] = make(map[string]*Client)
			}
			h.channels[ch][c.ID] = c
			h.subCount++
			accepted = append(accepted, ch)
		}
	}
	total := len(c.channels)
	subs := h.subCount
	h.mu.Unlock()
	metrics.SetHubSubscriptions(subs)

	c.enqueue(frame(TypeSubscriptionAck, ackPayload{
		Channels: accepted,
		Rejected: rejected,
		Count:    total,
	}, ""))
}

func (h *Hub) unsubscribe(c *Client, requested []string) {
	var removed []string

	h.mu.Lock()
	for _, name := range requested {
		ch, err := validateChannel(name, c.identity)
		if err != nil {
			continue
		}
		if _, ok := c.channels[ch]; !ok {
			continue
		}
		delete(c.channels, ch)
		h.dropIndexLocked(ch, c.ID)
		h.subCount--
		removed = append(removed, ch)
	}
	total := len(c.channels)
	subs := h.subCount
	h.mu.Unlock()
	metrics.SetHubSubscriptions(subs)

	c.enqueue(frame(TypeUnsubscriptionAck, ackPayload{
		Channels: removed,
		Count:    total,
	}, ""))
}

func (h *Hub) dropIndexLocked(ch, clientID string) {
	if subs := h.channels[ch]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
}

// disconnect tears a client down exactly once: deregisters it, removes
// every channel back-reference, writes a best-effort close frame and
// closes the transport.
func (h *Hub) disconnect(c *Client, reason, initiatedBy string, code ws.StatusCode, text string) {
	h.mu.Lock()
	_, registered := h.clients[c.ID]
	if registered {
		delete(h.clients, c.ID)
		for ch := range c.channels {
			h.dropIndexLocked(ch, c.ID)
			h.subCount--
		}
		c.channels = make(map[string]struct{})
	}
	subs := h.subCount
	h.mu.Unlock()

	if !registered {
		return
	}
	metrics.SetHubSubscriptions(subs)
	metrics.RecordConnectionClosed()
	metrics.RecordDisconnect(reason, initiatedBy)

	c.closeOnce.Do(func() {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(code, text))
		c.conn.Close()
	})

	h.logger.Info().
		Str("client_id", c.ID).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// reaper evicts clients that have been silent past the connection
// timeout.
func (h *Hub) reaper() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			var stale []*Client
			for _, c := range h.clients {
				if c.idle() > h.cfg.ConnectionTimeout {
					stale = append(stale, c)
				}
			}
			h.mu.Unlock()
			for _, c := range stale {
				h.logger.Warn().Str("client_id", c.ID).Msg("Reaping unresponsive client")
				h.disconnect(c, ReasonTimeout, InitiatedByServer,
					ws.StatusPolicyViolation, "heartbeat timeout")
			}
		}
	}
}
