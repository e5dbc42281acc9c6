package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"studioSync/backend/config"
	"studioSync/backend/internal/collab"
	"studioSync/backend/internal/httpapi/handlers"
	"studioSync/backend/internal/httpapi/middleware"
	"studioSync/backend/internal/presence"
	"studioSync/backend/internal/store"
	"studioSync/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("studioConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	presenceTTL := time.Duration(cfg.Presence.TTLSeconds) * time.Second
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	sweepEvery := time.Duration(cfg.Presence.SweepSeconds) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	inactiveWindow := time.Duration(cfg.Collab.InactiveMinutes) * time.Minute
	if inactiveWindow <= 0 {
		inactiveWindow = 30 * time.Minute
	}

	// === presence：配了 Redis 走共享状态，否则进程内 ===
	var presenceStore presence.Store
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("ping redis failed: %v", err)
		}
		defer rdb.Close()
		presenceStore = presence.NewRedisStore(rdb, presenceTTL)
	} else {
		log.Printf("redis not configured, using in-memory presence")
		presenceStore = presence.NewMemoryStore(presenceTTL)
	}

	// === MySQL：文档元数据（角色）+ 快照存档 ===
	var (
		roles         ws.RoleResolver
		snapshotStore *store.SnapshotStore
	)
	if cfg.Mysql.DSN != "" {
		gdb, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
		if err != nil {
			log.Fatalf("open mysql failed: %v", err)
		}
		roles = store.NewDocumentStore(gdb)

		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("open mysql failed: %v", err)
		}
		defer db.Close()
		snapshotStore = store.NewSnapshotStore(db)
	} else {
		// 没库的开发模式：登录用户全当 editor，匿名当 viewer
		log.Printf("mysql not configured, using permissive role resolution")
		roles = permissiveRoles{}
	}

	// === Kafka Producer（可选）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl()
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			kafkaSem,
			collab.KafkaDispatcherOptions{
				QueueSize:   orDefault(cfg.Collab.KafkaQueueSize, 10_000),
				Workers:     orDefault(cfg.Collab.KafkaWorkers, 4),
				MaxRetry:    orDefault(cfg.Collab.KafkaMaxRetry, 3),
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	} else {
		log.Printf("kafka not configured, mutation events disabled")
	}

	versions := collab.NewVersionStore()
	engine := collab.NewEngine(versions, dispatcher, cfg.Collab.PendingCap)
	hub := ws.NewHub()
	wsSem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, engine, presenceStore, roles, wsSem)
	presenceHandler := handlers.NewPresenceHandler(presenceStore)

	// === 后台循环 ===
	// presence 清扫：内存回收不依赖读流量
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for range ticker.C {
			if err := presenceStore.Sweep(context.Background()); err != nil {
				log.Printf("presence sweep error: %v", err)
			}
		}
	}()
	// 闲置文档回收
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if n := engine.CleanupInactive(inactiveWindow); n > 0 {
				log.Printf("evicted %d inactive documents", n)
			}
		}
	}()
	// 自动存档巡检
	if snapshotStore != nil && cfg.Collab.AutosaveSeconds > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Collab.AutosaveSeconds) * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				for _, docID := range engine.ActiveDocuments() {
					blocks, version, ok := engine.Snapshot(docID)
					if !ok || version == 0 {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := snapshotStore.SaveDocumentSnapshot(ctx, docID, version, blocks); err != nil {
						log.Printf("autosave error doc=%s v=%d: %v", docID, version, err)
					}
					cancel()
				}
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "docid", "docId", "doc_id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware())
	g.GET("/ws", func(c *gin.Context) { manager.WebSocketConnect(c) })
	g.GET("/presence/:docID/stats", presenceHandler.DocStats())
	g.GET("/presence/:docID/sessions", presenceHandler.Sessions())
	if snapshotStore != nil {
		snapshotHandler := handlers.NewSnapshotHandler(snapshotStore)
		g.GET("/documents/:docID/snapshot", snapshotHandler.Latest())
	}
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}

// permissiveRoles 没配 MySQL 时的兜底角色解析
type permissiveRoles struct{}

func (permissiveRoles) ResolveRole(_ context.Context, _ string, userID, _ string) presence.Role {
	if userID != "" {
		return presence.RoleEditor
	}
	return presence.RoleViewer
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
