package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_callkey/internal/config"
	"e2e_callkey/internal/repository/publickey"
	redisSvc "e2e_callkey/internal/service/redis"
	"e2e_callkey/internal/service/server"
	"e2e_callkey/internal/utils/log"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "callkey-server",
		Short: "Public key directory and key distribution relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Init(cfg.Log.Level, cfg.Log.Dev); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "listen address")
	f.DurationVar(&cfg.Server.OfflineTTL, "offline-ttl", cfg.Server.OfflineTTL, "how long relay frames wait for an absent subscriber")
	f.StringVar(&cfg.Mongo.URI, "mongo-uri", cfg.Mongo.URI, "MongoDB connection string")
	f.StringVar(&cfg.Mongo.Database, "mongo-db", cfg.Mongo.Database, "MongoDB database")
	f.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address for the relay offline queue, empty to disable")
	f.StringVar(&cfg.Redis.Password, "redis-password", cfg.Redis.Password, "Redis password")
	f.IntVar(&cfg.Redis.DB, "redis-db", cfg.Redis.DB, "Redis database")
	f.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	f.BoolVar(&cfg.Log.Dev, "log-dev", cfg.Log.Dev, "human readable logs")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return err
	}
	defer mongoDBClient.Disconnect(context.Background())

	keyRepo := publickey.NewPublicKeyRepo(mongoDBClient.Database(cfg.Mongo.Database))
	if err := keyRepo.EnsureIndexes(ctx); err != nil {
		return err
	}

	var redis *redisSvc.RedisService
	if cfg.Redis.Addr != "" {
		redis, err = redisSvc.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redis.Close()
	} else {
		log.Warn("redis disabled, relay frames for absent subscribers are dropped")
	}

	s := server.NewHttpServer(server.Options{Addr: cfg.Server.Addr, OfflineTTL: cfg.Server.OfflineTTL}, keyRepo, redis)
	if err := s.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
