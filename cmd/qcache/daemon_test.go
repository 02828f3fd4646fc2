package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/oriys/qcache/internal/codec"
	"github.com/oriys/qcache/internal/config"
	"github.com/oriys/qcache/internal/metadata"
)

func TestStartDaemon_WiresStores(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.L1TTL = time.Second
	cfg.Redis.Invalidation = true
	cfg.Cache.System.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := startDaemon(ctx, cfg)
	if err != nil {
		t.Fatalf("startDaemon: %v", err)
	}
	defer d.shutdown(context.Background())

	if len(d.stores) != 2 || len(d.replayers) != 2 {
		t.Fatalf("expected two stores and coordinators, got %d/%d", len(d.stores), len(d.replayers))
	}
	if d.stores[metadata.SystemCache].Enabled() {
		t.Fatal("expected system store disabled from config")
	}

	data := d.stores[metadata.DataCache]
	data.Set(ctx, "q1", &codec.Container{Payload: "rows"}, "", nil)
	if !mr.Exists(cfg.Redis.KeyPrefix + "q1") {
		t.Fatalf("expected key written to redis, keys: %v", mr.Keys())
	}

	next := config.DefaultConfig()
	next.Cache.Data.TTL = 2 * time.Hour
	next.Cache.Data.Enabled = false
	d.reconfigure(ctx, next)
	if data.TimeToLive() != 2*time.Hour || data.Enabled() {
		t.Fatalf("expected reconfigured store, ttl=%v enabled=%v", data.TimeToLive(), data.Enabled())
	}
	if mr.Exists(cfg.Redis.KeyPrefix + "q1") {
		t.Fatal("expected disable to clear the remote key")
	}
}

func TestStartDaemon_RedisUnavailable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 100 * time.Millisecond

	if _, err := startDaemon(context.Background(), cfg); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestParseValue(t *testing.T) {
	if v, ok := parseValue(`{"a":1}`).(map[string]any); !ok || v["a"] != float64(1) {
		t.Fatalf("expected JSON object, got %#v", parseValue(`{"a":1}`))
	}
	if v := parseValue("plain text"); v != "plain text" {
		t.Fatalf("expected raw string, got %#v", v)
	}
}

func TestApplyOverrides(t *testing.T) {
	redisAddr, pgDSN = "redis:6380", "postgres://x"
	defer func() { redisAddr, pgDSN = "", "" }()

	cfg := config.DefaultConfig()
	applyOverrides(cfg)
	if cfg.Redis.Addr != "redis:6380" || cfg.Postgres.DSN != "postgres://x" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Redis, cfg.Postgres)
	}
}
