package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList // comma separated
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCVEC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "DOCVEC_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCVEC_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "DOCVEC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DOCVEC_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCVEC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "blob.backend", typ: kString, env: "DOCVEC_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.dir", typ: kString, env: "DOCVEC_BLOB_DIR",
		apply:   func(cfg *Config, v any) { cfg.Blob.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Dir },
	},
	{
		key: "minio.endpoint", typ: kString, env: "DOCVEC_MINIO_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Minio.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Minio.Endpoint },
	},
	{
		key: "minio.access_key", typ: kString, env: "DOCVEC_MINIO_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Minio.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Minio.AccessKey },
	},
	{
		key: "minio.secret_key", typ: kString, env: "DOCVEC_MINIO_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Minio.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Minio.SecretKey },
	},
	{
		key: "minio.bucket", typ: kString, env: "DOCVEC_MINIO_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Minio.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Minio.Bucket },
	},
	{
		key: "minio.use_ssl", typ: kBool, env: "DOCVEC_MINIO_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Minio.UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Minio.UseSSL },
	},
	{
		key: "cache.backend", typ: kString, env: "DOCVEC_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_url", typ: kString, env: "DOCVEC_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "DOCVEC_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "embedders.enabled", typ: kList, env: "DOCVEC_EMBEDDERS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Embedders.Enabled = v.([]string) },
		extract: func(cfg Config) any { return cfg.Embedders.Enabled },
	},
	{
		key: "embedders.timeout", typ: kDuration, env: "DOCVEC_EMBEDDERS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedders.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Embedders.Timeout },
	},
	{
		key: "ollama.url", typ: kString, env: "DOCVEC_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.URL },
	},
	{
		key: "ollama.models", typ: kList, env: "DOCVEC_OLLAMA_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Models = v.([]string) },
		extract: func(cfg Config) any { return cfg.Ollama.Models },
	},
	{
		key: "remote.url", typ: kString, env: "DOCVEC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.URL },
	},
	{
		key: "openai.api_key", typ: kString, env: "DOCVEC_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "DOCVEC_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.requests_per_second", typ: kFloat, env: "DOCVEC_OPENAI_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.OpenAI.RequestsPerSecond },
	},
	{
		key: "azure.endpoint", typ: kString, env: "DOCVEC_AZURE_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Azure.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.Endpoint },
	},
	{
		key: "azure.api_key", typ: kString, env: "DOCVEC_AZURE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Azure.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.APIKey },
	},
	{
		key: "azure.api_version", typ: kString, env: "DOCVEC_AZURE_API_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Azure.APIVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Azure.APIVersion },
	},
	{
		key: "azure.deployments", typ: kList, env: "DOCVEC_AZURE_DEPLOYMENTS",
		apply:   func(cfg *Config, v any) { cfg.Azure.Deployments = v.([]string) },
		extract: func(cfg Config) any { return cfg.Azure.Deployments },
	},
	{
		key: "azure.requests_per_second", typ: kFloat, env: "DOCVEC_AZURE_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Azure.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Azure.RequestsPerSecond },
	},
	{
		key: "vllm.endpoint", typ: kString, env: "DOCVEC_VLLM_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.VLLM.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.VLLM.Endpoint },
	},
	{
		key: "vllm.api_key", typ: kString, env: "DOCVEC_VLLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.VLLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.VLLM.APIKey },
	},
	{
		key: "vectordbs.enabled", typ: kList, env: "DOCVEC_VECTORDBS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.VectorDbs.Enabled = v.([]string) },
		extract: func(cfg Config) any { return cfg.VectorDbs.Enabled },
	},
	{
		key: "qdrant.url", typ: kString, env: "DOCVEC_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "DOCVEC_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "weaviate.url", typ: kString, env: "DOCVEC_WEAVIATE_URL",
		apply:   func(cfg *Config, v any) { cfg.Weaviate.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Weaviate.URL },
	},
	{
		key: "weaviate.api_key", typ: kString, env: "DOCVEC_WEAVIATE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Weaviate.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Weaviate.APIKey },
	},
	{
		key: "orchestrator.max_attempts", typ: kInt, env: "DOCVEC_ORCHESTRATOR_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.MaxAttempts },
	},
	{
		key: "orchestrator.backoff", typ: kDuration, env: "DOCVEC_ORCHESTRATOR_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Orchestrator.Backoff },
	},
	{
		key: "orchestrator.batch_size", typ: kInt, env: "DOCVEC_ORCHESTRATOR_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.BatchSize },
	},
	{
		key: "orchestrator.embed_concurrency", typ: kInt, env: "DOCVEC_ORCHESTRATOR_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.EmbedConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.EmbedConcurrency },
	},
	{
		key: "orchestrator.batch_jobs", typ: kInt, env: "DOCVEC_ORCHESTRATOR_BATCH_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Orchestrator.BatchJobs = v.(int) },
		extract: func(cfg Config) any { return cfg.Orchestrator.BatchJobs },
	},
	{
		key: "images.workers", typ: kInt, env: "DOCVEC_IMAGES_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Images.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Images.Workers },
	},
	{
		key: "images.queue_poll", typ: kDuration, env: "DOCVEC_IMAGES_QUEUE_POLL",
		apply:   func(cfg *Config, v any) { cfg.Images.QueuePoll = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Images.QueuePoll },
	},
	{
		key: "images.max_attempts", typ: kInt, env: "DOCVEC_IMAGES_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Images.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Images.MaxAttempts },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func envName(key string) string {
	if s, ok := lookupSpec(key); ok {
		return s.env
	}
	return ""
}

// parse converts a raw string into the Go value of the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		return time.ParseDuration(strings.TrimSpace(raw))
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

// format renders a value of the key's type the way parse reads it.
func format(v any) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, ",")
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString && s.typ != kList) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("config key %s=%q: %w", s.key, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
