package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"HProject/data/database/pg"
	"HProject/global"
	"HProject/logger"
	"HProject/server"
	"HProject/service/bridge"
	"HProject/service/chat"
	"HProject/service/notify"
	"HProject/service/storage"
	"HProject/tools/ids"
	"HProject/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

var (
	confPath = flag.String("conf", "", "ini config path, empty for defaults")
	addr     = flag.String("addr", "", "listen addr override, e.g. :8080")
	nodeSeq  = flag.Int64("node", 1, "snowflake node id (0-1023)")
)

func main() {
	flag.Parse()

	conf, err := global.Load(*confPath)
	if err != nil {
		logger.Errorf("load config %s: %v", *confPath, err)
		os.Exit(1)
	}
	if *addr != "" {
		conf.Server.Addr = *addr
	}
	ids.SetNodeID(*nodeSeq)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ===== redis =====
	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Errorf("redis ping %s: %v", conf.Redis.Addr, err)
		os.Exit(1)
	}

	// ===== postgres =====
	store, err := pg.Connect(ctx, conf.Postgres.URL)
	if err != nil {
		logger.Errorf("postgres connect: %v", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.CreateSchema(ctx); err != nil {
		logger.Errorf("postgres schema: %v", err)
		os.Exit(1)
	}

	// ===== 存储层 =====
	presence := storage.NewRedisPresence(rdb)
	if conf.Bridge.Mode == global.BridgeModeLocal {
		// 单机模式启动先清在线集合，崩溃残留不会留下幽灵在线；
		// 集群下其它节点还活着，不能清
		if err := presence.Reset(ctx); err != nil {
			logger.Warnf("presence reset: %v", err)
		}
	}

	alloc := storage.NewAllocator(storage.NewRedisSequence(rdb))
	if err := alloc.Seed(ctx, store); err != nil {
		logger.Errorf("sequence seed: %v", err)
		os.Exit(1)
	}

	history := storage.NewRedisHistory(rdb, conf.Queue.HistorySize, conf.HistoryTTL())
	queue := storage.NewMessageQueue(alloc, storage.NewRedisQueue(rdb), store, history, storage.QueueConf{
		BatchSize: conf.Queue.BatchSize,
	})

	// ===== 桥 =====
	var bus bridge.Bridge
	switch conf.Bridge.Mode {
	case global.BridgeModeLocal:
		bus = nil
	case global.BridgeModeRedis:
		bus = bridge.NewRedisBridge(rdb, conf.Server.NodeID, conf.Bridge.ChannelPrefix)
	case global.BridgeModeNats:
		bus, err = bridge.NewNatsBridge(conf.Bridge.NatsURL, conf.Server.NodeID, conf.Bridge.ChannelPrefix)
		if err != nil {
			logger.Errorf("nats connect %s: %v", conf.Bridge.NatsURL, err)
			os.Exit(1)
		}
	default:
		logger.Errorf("unknown bridge mode %q", conf.Bridge.Mode)
		os.Exit(1)
	}

	// ===== 网关 =====
	gw := chat.NewServer(chat.ServerConf{
		NodeID: conf.Server.NodeID,
		Manager: chat.ManagerConf{
			HeartbeatTTL: conf.HeartbeatTTL(),
			SweepEvery:   conf.SweepEvery(),
			MaxPerUser:   conf.Server.MaxConnPerUID,
		},
		Workers:   8,
		Presence:  presence,
		Queue:     queue,
		History:   history,
		ReadState: store,
		Bus:       bus,
	})
	if err := gw.Start(); err != nil {
		logger.Errorf("bridge subscribe: %v", err)
		os.Exit(1)
	}
	defer gw.Close()

	// 定时落库
	go func() {
		t := time.NewTicker(conf.FlushEvery())
		defer t.Stop()
		for range t.C {
			fctx, fcancel := context.WithTimeout(context.Background(), conf.FlushEvery())
			if n, ferr := queue.Flush(fctx); ferr != nil {
				logger.Errorf("queue flush: %v", ferr)
			} else if n > 0 {
				logger.Infof("queue flush wrote %d messages", n)
			}
			fcancel()
		}
	}()
	go gw.PingLoop(conf.HeartbeatTTL() / 2)

	authOpts := security.DefaultOptions([]byte(conf.Auth.Secret))
	authOpts.Alg = conf.Auth.Alg
	notifier := notify.NewDispatcher(gw)
	api := server.NewAPI(gw, notifier, presence, authOpts)

	r := gin.New()
	r.Use(gin.Recovery())
	api.Register(r)

	go func() {
		logger.Infof("[HTTP] node %s listening on %s, bridge mode=%s", conf.Server.NodeID, conf.Server.Addr, conf.Bridge.Mode)
		if err := r.Run(conf.Server.Addr); err != nil {
			logger.Errorf("HTTP server: %v", err)
			os.Exit(1)
		}
	}()

	// 退出前把队列里攒的消息再刷一轮
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down, final flush")
	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, ferr := queue.Flush(fctx); ferr != nil {
		logger.Errorf("final flush: %v", ferr)
	}
	fcancel()
}
