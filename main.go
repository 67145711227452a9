package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"callscribe/internal/api"
	"callscribe/internal/auth"
	"callscribe/internal/blob"
	"callscribe/internal/config"
	"callscribe/internal/engine"
	"callscribe/internal/logger"
	"callscribe/internal/pipeline"
	"callscribe/internal/redis"
	"callscribe/internal/service/library"
	"callscribe/internal/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	cfgPath := os.Getenv("CALLSCRIBE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	dbType := os.Getenv("CALLSCRIBE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.WithField("driver", dbType).Info("opening database")

	// The database may come up after the service does; retry the open
	// with exponential backoff before giving up.
	var db *sql.DB
	openDB := func() error {
		var openErr error
		db, openErr = storage.Open(dbType, cfg)
		return openErr
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(openDB, policy); err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	var rdb *redis.Client
	if cfg.Redis.Disabled {
		log.Warn("redis disabled, status cache and live feeds are off")
	} else {
		rdb, err = redis.NewClient(cfg)
		if err != nil {
			log.WithError(err).Fatal("create redis client")
		}
		defer rdb.Close()
	}

	blobs, err := blob.NewStore(cfg.BasicConfig.BlobBaseDir, cfg.BasicConfig.PublicBaseURL)
	if err != nil {
		log.WithError(err).Fatal("init blob store")
	}

	stageTimeout := time.Duration(cfg.Engine.StageTimeoutSec) * time.Second
	engineClient := engine.NewClient(cfg.Engine.BaseURL, stageTimeout)

	libraryService := library.NewService(db)
	authService := auth.NewService(db, 24*time.Hour)
	manager := pipeline.NewManager(libraryService, blobs, engineClient, rdb, stageTimeout)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if cfg.BasicConfig.SweepInterval > 0 {
		go manager.StartSweeper(sweepCtx, time.Duration(cfg.BasicConfig.SweepInterval)*time.Minute)
	}

	maxUpload := int64(cfg.BasicConfig.MaxUploadMB) << 20
	handlers := api.NewHandler(libraryService, authService, manager, maxUpload)

	router := gin.Default()
	handlers.RegisterRoutes(router)
	router.Static("/media", blobs.BaseDir())

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	log.WithField("addr", addr).Info("server starting")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
