package main

import (
	"cash_relay/internal/config"
	"cash_relay/internal/repository/user"
	"cash_relay/internal/service/app"
	redisSvc "cash_relay/internal/service/redis"
	"cash_relay/internal/utils/log"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config file] <username>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	username := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(ctx)

	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	redis := redisSvc.NewRedis(rdb, cfg.Server.MessageTTL, nil)

	userRepo := user.NewUserRepo(db)
	a := app.NewApp(cfg.Server.Addr, userRepo, redis)
	defer a.Stop()

	if err := a.Run(ctx, username); err != nil {
		log.Error("client stopped", zap.Error(err))
	}
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
