package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/csiyang/ai-hero/internal/config"
	"github.com/csiyang/ai-hero/internal/crawler"
	"github.com/csiyang/ai-hero/internal/search"
	"github.com/csiyang/ai-hero/internal/state"
)

func openDB(cfg *config.Config) (*gorm.DB, func(), error) {
	db, err := state.Open(state.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.LogLevel == "debug",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return db, closeFn, nil
}

// newCrawler builds the crawler and its page cache. The returned func
// releases the cache backend.
func newCrawler(cfg *config.Config) (*crawler.Crawler, func()) {
	ttl := time.Duration(cfg.Crawler.CacheTTLMinutes) * time.Minute

	var cache crawler.Cache
	closeCache := func() {}
	if cfg.Crawler.CacheBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = crawler.NewRedisCache(client, ttl)
		closeCache = func() { client.Close() }
	} else {
		cache = crawler.NewMemoryCache(ttl, 1000)
	}

	retry := crawler.DefaultRetryPolicy()
	if cfg.Crawler.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Crawler.MaxAttempts
	}

	c := crawler.New(crawler.Config{
		Concurrency: cfg.Crawler.Concurrency,
		Timeout:     time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
		MaxChars:    cfg.Crawler.MaxChars,
		UserAgent:   cfg.Crawler.UserAgent,
		RobotsTTL:   time.Duration(cfg.Crawler.RobotsTTLMinutes) * time.Minute,
		PerHostRPS:  cfg.Crawler.PerHostRPS,
		Retry:       retry,
		Cache:       cache,
	})
	return c, func() {
		c.Close()
		closeCache()
	}
}

func newSearchProvider(cfg *config.Config) (search.Provider, error) {
	switch cfg.Search.Provider {
	case "brave":
		if cfg.Search.Brave.APIKey == "" {
			return nil, fmt.Errorf("search.brave.api_key is required for the brave provider")
		}
		return search.NewBrave(cfg.Search.Brave.APIKey), nil
	default:
		if cfg.Search.Serper.APIKey == "" {
			return nil, fmt.Errorf("search.serper.api_key is required (or set SERPER_API_KEY)")
		}
		return search.NewSerper(cfg.Search.Serper.APIKey), nil
	}
}
