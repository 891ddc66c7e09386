// Command worldserver runs one world server process: it loads configuration,
// brings up the storage and cache layers, wires the entity-component world
// and its tick scheduler, and drives the tick loop until asked to shut down.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/outpost-games/worldserver/infrastructure/errors"
	"github.com/outpost-games/worldserver/infrastructure/logging"
	"github.com/outpost-games/worldserver/infrastructure/metrics"
	"github.com/outpost-games/worldserver/infrastructure/resilience"
	"github.com/outpost-games/worldserver/internal/config"
	"github.com/outpost-games/worldserver/internal/net/delta"
	netsync "github.com/outpost-games/worldserver/internal/net/sync"
	"github.com/outpost-games/worldserver/internal/persistence/cache"
	"github.com/outpost-games/worldserver/internal/persistence/pool"
	"github.com/outpost-games/worldserver/internal/persistence/replica"
	"github.com/outpost-games/worldserver/internal/persistence/router"
	"github.com/outpost-games/worldserver/internal/platform/storage"
	"github.com/outpost-games/worldserver/internal/world/ecs"
	"github.com/outpost-games/worldserver/internal/world/scheduler"
	"github.com/outpost-games/worldserver/internal/world/spatial"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	svr, err := newServer(cfg)
	if err != nil {
		log.Fatalf("failed to build world server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svr.Start(ctx); err != nil {
		log.Fatalf("failed to start world server: %v", err)
	}

	<-ctx.Done()
	svr.log.Info(context.Background(), "shutdown signal received, draining", nil)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svr.Stop(drainCtx)
}

// shard is one world shard's owned state: its ECS world, tick scheduler,
// and spatial index. Shards never share component storages.
type shard struct {
	world        *ecs.World
	scheduler    *scheduler.Scheduler
	grid         *spatial.Grid
	connections  *connectionRegistry
	orchestrator *netsync.Orchestrator
}

// server owns the process-wide singletons (storage pool, caches, routers)
// plus one shard per configured shard slot, and the tick-loop goroutines
// driving them.
type server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	primaryDriver *storage.PostgresDriver
	primaryPool   *pool.Pool
	replicas      *replica.Router
	partitions    *router.Router
	playerCache   *cache.Cache

	shards    []*shard
	baselines *delta.Store
	listener  *listener

	stopTick chan struct{}
	tickDone chan struct{}
}

func newServer(cfg *config.Config) (*server, error) {
	log := logging.New("worldserver", cfg.Logging.Level, cfg.Logging.Format)
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("worldserver")
	}

	primaryCfg, ok := cfg.Pool["primary"]
	if !ok {
		return nil, errors.InvalidState("no \"primary\" pool configured")
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		primaryCfg.Host, primaryCfg.Port, primaryCfg.Database, primaryCfg.Username, primaryCfg.Password)
	driver := storage.New("primary", dsn)
	connectErr := resilience.Retry(context.Background(), resilience.DefaultRetryConfig(), func() error {
		return driver.Start(context.Background())
	})
	if connectErr != nil {
		return nil, errors.Wrap(errors.KindUnreachable, "connect primary storage driver", connectErr)
	}
	if err := driver.Migrate(context.Background()); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "apply primary schema migrations", err)
	}
	db, ok := driver.DB().(*sqlx.DB)
	if !ok {
		return nil, errors.InvalidState("primary storage driver did not produce a *sqlx.DB")
	}

	// The pool manages individual *sqlx.Conn checkouts from the single
	// *sqlx.DB the driver opened; sqlx.DB already owns the physical
	// connections, so the pool's Min/Max/idle-eviction policy governs how
	// many of them are handed out concurrently.
	primaryPool, err := pool.New(pool.Config{
		Min:                primaryCfg.MinConnections,
		Max:                primaryCfg.MaxConnections,
		Initial:            primaryCfg.InitialConnections,
		AcquireTimeout:     primaryCfg.AcquireTimeout,
		IdleTimeout:        primaryCfg.IdleTimeout,
		MaxLifetime:        primaryCfg.MaxLifetime,
		ValidationInterval: primaryCfg.ValidationInterval,
		TestOnBorrow:       primaryCfg.TestOnBorrow,
		ValidationQuery:    primaryCfg.ValidationQuery,
		Factory: func(ctx context.Context) (any, error) {
			return db.Connx(ctx)
		},
		Validate: func(ctx context.Context, conn any) error {
			c, ok := conn.(*sqlx.Conn)
			if !ok {
				return nil
			}
			return c.PingContext(ctx)
		},
		Close: func(conn any) error {
			c, ok := conn.(*sqlx.Conn)
			if !ok {
				return nil
			}
			return c.Close()
		},
	}, log)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build primary pool", err)
	}

	partitions := router.New(cfg.World.Shards)
	if entityScheme, ok := cfg.Partition["entity_snapshot"]; ok {
		strategy := router.StrategyHash
		switch entityScheme.Strategy {
		case "range":
			strategy = router.StrategyRange
		case "list":
			strategy = router.StrategyList
		case "round_robin":
			strategy = router.StrategyRoundRobin
		case "composite":
			strategy = router.StrategyComposite
		}
		partitions.RegisterTable(router.TableScheme{
			Table:         "entity_snapshot",
			Strategy:      strategy,
			HashBuckets:   entityScheme.HashBuckets,
			MaxRows:       entityScheme.MaxRows,
			MaxBytes:      entityScheme.MaxBytes,
			RetentionDays: entityScheme.RetentionDays,
			AutoCreate:    entityScheme.AutoCreate,
		})
	}

	replicaPool := replica.NewPool(replica.PolicyRoundRobin)
	replicaRouter := replica.NewRouter(replicaPool, log, func(r *replica.Replica) int64 {
		return int64(r.LagMS())
	})

	playerCacheCfg := cfg.Cache["default"]
	playerCache, err := cache.New(cache.Config{
		L1Size: playerCacheCfg.L1Size,
		L2Size: playerCacheCfg.L2Size,
		TTLs: cache.TTLTable{
			cache.KindActive:   playerCacheCfg.ActiveTTL,
			cache.KindInactive: playerCacheCfg.InactiveTTL,
		},
		WriteDelay: playerCacheCfg.WriteDelay,
		Flush: func(ctx context.Context, key string, value any) error {
			// This flush writes nothing to storage and reports success;
			// no write statement is issued for flushed entries.
			return nil
		},
		OnFlushAlert: func(key string, value any, lastErr error) {
			log.WithError(lastErr).WithFields(map[string]interface{}{"key": key}).Error("cache entry exhausted flush retries")
		},
	}, log)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build player cache", err)
	}

	baselines := delta.NewStore()

	shards := make([]*shard, 0, cfg.World.Shards)
	for i := 0; i < cfg.World.Shards; i++ {
		world := ecs.NewWorld()
		grid := spatial.New(cfg.World.CellSize, world.IsAlive)
		sched := scheduler.New(log, 5)
		shards = append(shards, &shard{
			world:        world,
			scheduler:    sched,
			grid:         grid,
			connections:  newConnectionRegistry(),
			orchestrator: netsync.NewOrchestrator(grid, baselines, float64(cfg.World.TickHz)),
		})
	}

	return &server{
		cfg:           cfg,
		log:           log,
		metrics:       m,
		primaryDriver: driver,
		primaryPool:   primaryPool,
		replicas:      replicaRouter,
		partitions:    partitions,
		playerCache:   playerCache,
		shards:        shards,
		baselines:     baselines,
		stopTick:      make(chan struct{}),
		tickDone:      make(chan struct{}),
	}, nil
}

// Start launches the tick-loop goroutine. One goroutine drives every shard
// in round-robin, matching the shard count to available cores being the
// deployment's responsibility (horizontal scaling is across processes, not
// goroutines, per the single-threaded-per-shard tick model).
func (s *server) Start(ctx context.Context) error {
	s.log.Info(context.Background(), "starting world server", map[string]interface{}{
		"shards":  len(s.shards),
		"tickHz":  s.cfg.World.TickHz,
		"network": s.cfg.Network.Port,
	})

	s.listener = newListener(s)
	s.listener.Start(fmt.Sprintf(":%d", s.cfg.Network.Port))

	go s.tickLoop()
	return nil
}

// qualityAdaptIntervalTicks is how often (in server ticks) each
// connection's adaptive quality settings are re-derived from its observed
// network conditions. Deliberately coarser than the tick rate: re-evaluating
// every tick would chase transient jitter instead of a stable trend.
const qualityAdaptIntervalTicks = 20

// syncShard runs one sync pass per live connection on sh. Building the
// EntitySnapshot slice from live component storages is left to the
// game-content layer that registers those storages; this core ships no such
// layer, so the pass only drives periodic quality adaptation, despawn
// bookkeeping and input history truncation for connected players.
func (s *server) syncShard(sh *shard) {
	var snapshots []netsync.EntitySnapshot
	tick := sh.scheduler.CurrentTick()
	for _, conn := range sh.connections.snapshot() {
		if tick%qualityAdaptIntervalTicks == 0 {
			sh.orchestrator.AdaptConnectionQuality(conn)
		}
		sh.orchestrator.Tick(conn, snapshots, tick)
	}
	sh.orchestrator.TruncateInputHistory(time.Now(), 2*time.Second)
}

func (s *server) tickLoop() {
	defer close(s.tickDone)

	interval := time.Second / time.Duration(s.cfg.World.TickHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			for _, sh := range s.shards {
				if faults := sh.scheduler.Tick(interval); len(faults) > 0 {
					for _, f := range faults {
						s.log.WithError(f).Error("tick fault")
					}
				}
				s.syncShard(sh)
			}
		}
	}
}

// Stop drains outstanding work and releases process-wide resources. The
// in-memory world state is dropped; closing the player cache runs its
// flush callback, which writes nothing to storage.
func (s *server) Stop(ctx context.Context) {
	close(s.stopTick)
	select {
	case <-s.tickDone:
	case <-ctx.Done():
	}

	if s.listener != nil {
		if err := s.listener.Stop(ctx); err != nil {
			s.log.WithError(err).Error("listener shutdown failed")
		}
	}

	if err := s.playerCache.Close(ctx); err != nil {
		s.log.WithError(err).Error("cache close failed during shutdown")
	}
	s.primaryPool.Shutdown()
	if err := s.primaryDriver.Stop(ctx); err != nil {
		s.log.WithError(err).Error("primary storage driver shutdown failed")
	}

	s.log.Info(context.Background(), "world server stopped", nil)
}
