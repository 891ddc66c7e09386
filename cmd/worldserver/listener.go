package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/outpost-games/worldserver/infrastructure/ratelimit"
	"github.com/outpost-games/worldserver/internal/net/sendpipe"
	netsync "github.com/outpost-games/worldserver/internal/net/sync"
)

// connectionRegistry tracks the live sync.Connections owned by one shard so
// the tick loop can walk them without locking the whole shard.
type connectionRegistry struct {
	mu          sync.Mutex
	connections map[string]*netsync.Connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{connections: make(map[string]*netsync.Connection)}
}

func (r *connectionRegistry) add(c *netsync.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[c.ID] = c
}

func (r *connectionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
}

func (r *connectionRegistry) snapshot() []*netsync.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*netsync.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// listener accepts client websocket connections and registers each one into
// its assigned shard's connection registry. It does not decode game
// messages: pump reads inbound frames and discards them, so no inbound
// event reaches the tick loop.
type listener struct {
	srv *server

	httpServer *http.Server
	nextShard  int
	mu         sync.Mutex

	upgrades *ratelimit.RateLimiter
}

func newListener(srv *server) *listener {
	return &listener{
		srv: srv,
		upgrades: ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: srv.cfg.Network.MaxNewConnectionsPerSecond,
		}),
	}
}

// Start begins serving HTTP upgrade requests on addr in a background
// goroutine. It returns immediately; Stop shuts the listener down.
func (l *listener) Start(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleUpgrade)

	l.httpServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := l.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.srv.log.WithError(err).Error("network listener stopped unexpectedly")
		}
	}()
}

func (l *listener) Stop(ctx context.Context) error {
	if l.httpServer == nil {
		return nil
	}
	return l.httpServer.Shutdown(ctx)
}

func (l *listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.upgrades.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.srv.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	sh := l.assignShard()
	avatar := sh.world.CreateEntity()

	transport := sendpipe.NewWebSocketTransport(conn)
	pipeline := sendpipe.New(transport, sendpipe.Config{
		BandwidthBytesPerSecond: int(l.srv.cfg.Network.BandwidthLimitPerConnBps),
		EnableAggregation:       l.srv.cfg.Network.EnableAggregation,
	})

	syncConn := netsync.NewConnection(uuid.NewString(), avatar, l.srv.cfg.World.MaxViewDistance, l.srv.cfg.World.InterestK, pipeline, l.srv.baselines)
	sh.connections.add(syncConn)

	go l.pump(conn, sh, syncConn)
}

// assignShard round-robins new connections across shards.
func (l *listener) assignShard() *shard {
	l.mu.Lock()
	defer l.mu.Unlock()
	sh := l.srv.shards[l.nextShard%len(l.srv.shards)]
	l.nextShard++
	return sh
}

// pump reads inbound frames until the connection closes, then cleans up the
// avatar and its registry entry. Decoding inbound game messages into input
// samples/commands is out of scope here; it depends on client protocol
// details the core does not define.
func (l *listener) pump(conn *websocket.Conn, sh *shard, syncConn *netsync.Connection) {
	defer func() {
		sh.connections.remove(syncConn.ID)
		sh.world.DestroyEntity(syncConn.Avatar)
		l.srv.baselines.ClearConnection(syncConn.ID)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
