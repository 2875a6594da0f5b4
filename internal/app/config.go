package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelsec/kestrel-backend/internal/pkg/logger"
	"github.com/kestrelsec/kestrel-backend/internal/utils"
)

// Config is the full runtime configuration. Environment variables load
// first; an optional YAML file named by KESTREL_CONFIG overrides them.
type Config struct {
	LogMode            string
	HTTPAddr           string
	Backend            string
	DefaultTenant      string
	MultiTenant        bool
	BulkLimit          int
	QueryLimitMax      int
	OperationTimeoutMS int

	CacheKeyPrefix    string
	CacheTTLs         map[string]time.Duration
	LocalCacheEntries int

	IndexTextualFields map[string][]string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RelationalDSN string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string
}

// fileConfig mirrors Config in YAML form. Pointer fields distinguish
// "absent" from "zero" so the file only overrides what it names.
type fileConfig struct {
	LogMode            *string             `yaml:"log_mode"`
	HTTPAddr           *string             `yaml:"http_addr"`
	Backend            *string             `yaml:"backend"`
	DefaultTenant      *string             `yaml:"default_tenant"`
	MultiTenant        *bool               `yaml:"multi_tenant"`
	BulkLimit          *int                `yaml:"bulk_limit"`
	QueryLimitMax      *int                `yaml:"query_limit_max"`
	OperationTimeoutMS *int                `yaml:"operation_timeout_ms"`
	CacheKeyPrefix     *string             `yaml:"cache_key_prefix"`
	CacheTTLDefaults   map[string]int      `yaml:"cache_ttl_defaults"`
	LocalCacheEntries  *int                `yaml:"local_cache_entries"`
	IndexTextualFields map[string][]string `yaml:"index_textual_fields"`

	Redis struct {
		Addr     *string `yaml:"addr"`
		Password *string `yaml:"password"`
		DB       *int    `yaml:"db"`
	} `yaml:"redis"`

	Relational struct {
		DSN *string `yaml:"dsn"`
	} `yaml:"relational"`

	Neo4j struct {
		URI      *string `yaml:"uri"`
		User     *string `yaml:"user"`
		Password *string `yaml:"password"`
		Database *string `yaml:"database"`
	} `yaml:"neo4j"`
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		LogMode:            utils.GetEnv("LOG_MODE", "development", log),
		HTTPAddr:           utils.GetEnv("HTTP_ADDR", ":8080", log),
		Backend:            utils.GetEnv("UDS_BACKEND", "memory", log),
		DefaultTenant:      utils.GetEnv("UDS_DEFAULT_TENANT", "default", log),
		MultiTenant:        utils.GetEnvAsBool("UDS_MULTI_TENANT", true, log),
		BulkLimit:          utils.GetEnvAsInt("UDS_BULK_LIMIT", 1000, log),
		QueryLimitMax:      utils.GetEnvAsInt("UDS_QUERY_LIMIT_MAX", 1000, log),
		OperationTimeoutMS: utils.GetEnvAsInt("UDS_OPERATION_TIMEOUT_MS", 30000, log),
		CacheKeyPrefix:     utils.GetEnv("UDS_CACHE_KEY_PREFIX", "kestrel", log),
		LocalCacheEntries:  utils.GetEnvAsInt("UDS_LOCAL_CACHE_ENTRIES", 4096, log),
		RedisAddr:          utils.GetEnv("REDIS_ADDR", "", log),
		RedisPassword:      utils.GetEnv("REDIS_PASSWORD", "", log),
		RedisDB:            utils.GetEnvAsInt("REDIS_DB", 0, log),
		RelationalDSN:      utils.GetEnv("RELATIONAL_DSN", "", log),
		Neo4jURI:           utils.GetEnv("NEO4J_URI", "", log),
		Neo4jUser:          utils.GetEnv("NEO4J_USER", "neo4j", log),
		Neo4jPassword:      utils.GetEnv("NEO4J_PASSWORD", "", log),
		Neo4jDatabase:      utils.GetEnv("NEO4J_DATABASE", "neo4j", log),
	}

	path := os.Getenv("KESTREL_CONFIG")
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := cfg.applyFile(raw); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	log.Info("configuration file applied", "path", path)
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}
	setString(&c.LogMode, fc.LogMode)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.Backend, fc.Backend)
	setString(&c.DefaultTenant, fc.DefaultTenant)
	setBool(&c.MultiTenant, fc.MultiTenant)
	setInt(&c.BulkLimit, fc.BulkLimit)
	setInt(&c.QueryLimitMax, fc.QueryLimitMax)
	setInt(&c.OperationTimeoutMS, fc.OperationTimeoutMS)
	setString(&c.CacheKeyPrefix, fc.CacheKeyPrefix)
	setInt(&c.LocalCacheEntries, fc.LocalCacheEntries)
	setString(&c.RedisAddr, fc.Redis.Addr)
	setString(&c.RedisPassword, fc.Redis.Password)
	setInt(&c.RedisDB, fc.Redis.DB)
	setString(&c.RelationalDSN, fc.Relational.DSN)
	setString(&c.Neo4jURI, fc.Neo4j.URI)
	setString(&c.Neo4jUser, fc.Neo4j.User)
	setString(&c.Neo4jPassword, fc.Neo4j.Password)
	setString(&c.Neo4jDatabase, fc.Neo4j.Database)
	if len(fc.CacheTTLDefaults) > 0 {
		c.CacheTTLs = map[string]time.Duration{}
		for rt, secs := range fc.CacheTTLDefaults {
			c.CacheTTLs[rt] = time.Duration(secs) * time.Second
		}
	}
	if len(fc.IndexTextualFields) > 0 {
		c.IndexTextualFields = fc.IndexTextualFields
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
