package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"notesServer/backend/config"
	"notesServer/backend/internal/cache"
	"notesServer/backend/internal/collab"
	"notesServer/backend/internal/httpapi/handlers"
	"notesServer/backend/internal/httpapi/middleware"
	"notesServer/backend/internal/repo"
	"notesServer/backend/internal/store"
	"notesServer/backend/internal/ws"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Running.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	// === 存储：配置了 DSN 用 MySQL，否则内存 ===
	var (
		noteRepo     repo.NoteRepo
		snapshotRepo repo.SnapshotRepo
	)
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		snapshotStore := store.NewSnapshotStore(db)
		if err := snapshotStore.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("ensure snapshot schema failed: %v", err)
		}
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("init gorm failed: %v", err)
		}
		noteRepo = store.NewNoteStore(gdb)
		snapshotRepo = snapshotStore
	} else {
		log.Warn("mysql dsn empty, notes are kept in memory")
		mem := store.NewMemoryStore()
		noteRepo, snapshotRepo = mem, mem
	}

	// === Redis：在线状态、锁表与笔记缓存 ===
	var (
		presence  cache.PresenceCache
		peerLocks cache.PeerLocks
		noteCache *cache.NoteCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		peerLocks = cache.NewRedisPeerLocks(rdb)
		noteCache = cache.NewNoteCache(rdb)
	}

	// === 初始化 Kafka Producer ===
	var dispatcher *collab.KafkaDispatcher
	var events collab.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Collab.Semaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      entry.WithField("component", "kafka"),
			},
		)
		events = dispatcher
	}

	svc := collab.NewInMemoryService(noteRepo, snapshotRepo, events, collab.ServiceOptions{
		RingCap: cfg.Collab.RingCap,
		Logger:  entry.WithField("component", "collab"),
	})

	hub := ws.NewHub(presence, peerLocks)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.Semaphore), noteCache, ws.Options{
		HistoryMaxLength: cfg.Editor.HistoryMaxLength,
		Shortcuts:        cfg.Editor.Shortcuts,
		DebounceWindow:   cfg.Editor.DebounceWindow,
		IgnoredClasses:   cfg.Editor.IgnoredClasses,
		PresenceTTL:      cfg.Collab.PresenceTTL,
		LockTTL:          cfg.Collab.LockTTL,
		SubmitTimeout:    cfg.Collab.SubmitTimeout,
		AllowedOrigins:   cfg.Collab.AllowedOrigins,
		Logger:           entry.WithField("component", "ws"),
	})
	notes := handlers.NewNotesHandler(svc, noteCache, entry.WithField("component", "http"))

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Collab.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	// 鉴权中间件从 Authorization 或 ?token= 取 token，写入 userId/username
	api.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	api.GET("/ws", manager.WebSocketConnect)
	notes.Register(api)
	handlers.NewPresenceHandler(presence, hub, entry.WithField("component", "http")).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		log.Infof("notes server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	// http.Server 不管已升级的 websocket：先断开它们并等读循环退出，之后不会再有新版本
	if err := manager.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("websocket shutdown")
	}
	// 退出前把内存里的最新版本落库
	if err := svc.SaveAll(ctx); err != nil {
		log.WithError(err).Warn("save notes on shutdown")
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
}
