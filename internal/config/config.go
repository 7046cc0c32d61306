package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/vectordb"
)

type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Storage      StorageConfig
	Blob         BlobConfig
	Minio        MinioConfig
	Cache        CacheConfig
	Embedders    EmbeddersConfig
	Ollama       OllamaConfig
	Remote       RemoteConfig
	OpenAI       OpenAIConfig
	Azure        AzureConfig
	VLLM         VLLMConfig
	VectorDbs    VectorDbsConfig
	Qdrant       QdrantConfig
	Weaviate     WeaviateConfig
	Orchestrator OrchestratorConfig
	Images       ImagesConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
	APIToken   string
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	DataDir string
}

type BlobConfig struct {
	Backend string
	// Dir is the root of the filesystem backend. Empty means DataDir/blobs.
	Dir string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type CacheConfig struct {
	Backend  string
	RedisURL string
	TTL      time.Duration
}

type EmbeddersConfig struct {
	Enabled []string
	Timeout time.Duration
}

type OllamaConfig struct {
	URL string
	// Models are pulled on startup when missing.
	Models []string
}

type RemoteConfig struct {
	URL string
}

type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
}

type AzureConfig struct {
	Endpoint          string
	APIKey            string
	APIVersion        string
	Deployments       []string // name:dimensions
	RequestsPerSecond float64
}

type VLLMConfig struct {
	Endpoint string
	APIKey   string
}

type VectorDbsConfig struct {
	Enabled []string
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type WeaviateConfig struct {
	URL    string
	APIKey string
}

type OrchestratorConfig struct {
	MaxAttempts      int
	Backoff          time.Duration
	BatchSize        int
	EmbedConcurrency int
	BatchJobs        int
}

type ImagesConfig struct {
	Workers     int
	QueuePoll   time.Duration
	MaxAttempts int
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100, MCPEnabled: true},
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Blob:    BlobConfig{Backend: "fs"},
		Minio:   MinioConfig{Bucket: "docvec"},
		Cache:   CacheConfig{Backend: "sqlite", TTL: 30 * 24 * time.Hour},
		Embedders: EmbeddersConfig{
			Enabled: []string{embedder.ProviderOllama},
			Timeout: 60 * time.Second,
		},
		Ollama: OllamaConfig{
			URL:    "http://localhost:11434",
			Models: []string{"nomic-embed-text"},
		},
		Azure:     AzureConfig{APIVersion: "2023-05-15"},
		VectorDbs: VectorDbsConfig{Enabled: []string{vectordb.BackendSQLite}},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:      3,
			Backoff:          500 * time.Millisecond,
			BatchSize:        64,
			EmbedConcurrency: 2,
			BatchJobs:        4,
		},
		Images: ImagesConfig{Workers: 2, QueuePoll: 500 * time.Millisecond, MaxAttempts: 3},
	}
}

// BlobDir is the filesystem blob root.
func (c Config) BlobDir() string {
	if c.Blob.Dir != "" {
		return c.Blob.Dir
	}
	return filepath.Join(c.Storage.DataDir, "blobs")
}

// Load reads configuration in increasing precedence: defaults, the config
// file, environment variables (DOCVEC_*, including those from a .env file in
// the working directory), and finally the platform secret store for secrets
// still unset.
//
// The config file is $DOCVEC_CONFIG or $XDG_CONFIG_HOME/docvec/config.toml.
// Its extension picks the format: .toml, .yaml/.yml or .json.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadFromPath(ConfigPath(), keychainReader{})
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, secretAccount(s.key)); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enable lists and the settings each enabled variant needs.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	switch c.Blob.Backend {
	case "fs":
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			errs = append(errs, errors.New("blob.backend minio needs minio.endpoint and minio.bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q must be fs or minio", c.Blob.Backend))
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.backend redis needs cache.redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory, sqlite or redis", c.Cache.Backend))
	}

	if len(c.Embedders.Enabled) == 0 {
		errs = append(errs, errors.New("embedders.enabled is empty"))
	}
	for _, id := range c.Embedders.Enabled {
		if err := c.checkEmbedder(id); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.AzureDeployments(); err != nil {
		errs = append(errs, err)
	}

	if len(c.VectorDbs.Enabled) == 0 {
		errs = append(errs, errors.New("vectordbs.enabled is empty"))
	}
	for _, id := range c.VectorDbs.Enabled {
		if err := c.checkVectorDb(id); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Orchestrator.MaxAttempts < 1 || c.Images.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if c.Images.Workers < 1 {
		errs = append(errs, errors.New("images.workers must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c Config) checkEmbedder(id string) error {
	switch id {
	case embedder.ProviderOllama:
		if c.Ollama.URL == "" {
			return errors.New("ollama enabled without ollama.url")
		}
	case embedder.ProviderRemote:
		if c.Remote.URL == "" {
			return errors.New("remote enabled without remote.url")
		}
	case embedder.ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai enabled without an api key; set %s%s", envName("openai.api_key"), secretHint("openai.api_key"))
		}
	case embedder.ProviderAzure:
		if c.Azure.Endpoint == "" || c.Azure.APIKey == "" {
			return fmt.Errorf("azure enabled without azure.endpoint and an api key (%s%s)", envName("azure.api_key"), secretHint("azure.api_key"))
		}
	case embedder.ProviderVLLM:
		if c.VLLM.Endpoint == "" {
			return errors.New("vllm enabled without vllm.endpoint")
		}
	default:
		return fmt.Errorf("embedders.enabled: unknown provider %q (known: %s)", id, strings.Join(embedder.Known, ", "))
	}
	return nil
}

func (c Config) checkVectorDb(id string) error {
	switch id {
	case vectordb.BackendSQLite:
	case vectordb.BackendQdrant:
		if c.Qdrant.URL == "" {
			return errors.New("qdrant enabled without qdrant.url")
		}
	case vectordb.BackendWeaviate:
		if c.Weaviate.URL == "" {
			return errors.New("weaviate enabled without weaviate.url")
		}
	default:
		return fmt.Errorf("vectordbs.enabled: unknown backend %q (known: %s)", id, strings.Join(vectordb.Known, ", "))
	}
	return nil
}

// AzureDeployments parses azure.deployments entries of the form
// name:dimensions.
func (c Config) AzureDeployments() (map[string]int, error) {
	if len(c.Azure.Deployments) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(c.Azure.Deployments))
	for _, d := range c.Azure.Deployments {
		name, dims, ok := strings.Cut(d, ":")
		var n int
		if ok {
			_, err := fmt.Sscanf(dims, "%d", &n)
			ok = err == nil && n > 0
		}
		if !ok || name == "" {
			return nil, fmt.Errorf("azure.deployments entry %q must be name:dimensions", d)
		}
		out[name] = n
	}
	return out, nil
}

// EmbedderSettings converts the provider sections for embedder.Build.
func (c Config) EmbedderSettings() embedder.Settings {
	deployments, _ := c.AzureDeployments()
	return embedder.Settings{
		Enabled:   c.Embedders.Enabled,
		OllamaURL: c.Ollama.URL,
		RemoteURL: c.Remote.URL,
		Timeout:   c.Embedders.Timeout,
		OpenAI: embedder.OpenAIConfig{
			APIKey:            c.OpenAI.APIKey,
			BaseURL:           c.OpenAI.BaseURL,
			Timeout:           c.Embedders.Timeout,
			RequestsPerSecond: c.OpenAI.RequestsPerSecond,
		},
		Azure: embedder.AzureConfig{
			Endpoint:          c.Azure.Endpoint,
			APIKey:            c.Azure.APIKey,
			APIVersion:        c.Azure.APIVersion,
			Deployments:       deployments,
			Timeout:           c.Embedders.Timeout,
			RequestsPerSecond: c.Azure.RequestsPerSecond,
		},
		VLLM: embedder.VLLMConfig{
			Endpoint: c.VLLM.Endpoint,
			APIKey:   c.VLLM.APIKey,
			Timeout:  c.Embedders.Timeout,
		},
	}
}

// VectorDbSettings converts the backend sections for vectordb.Build. The
// sqlite backend's database is supplied by the caller.
func (c Config) VectorDbSettings() vectordb.Settings {
	return vectordb.Settings{
		Enabled:  c.VectorDbs.Enabled,
		Qdrant:   vectordb.QdrantConfig{URL: c.Qdrant.URL, APIKey: c.Qdrant.APIKey, Timeout: c.Embedders.Timeout},
		Weaviate: vectordb.WeaviateConfig{URL: c.Weaviate.URL, APIKey: c.Weaviate.APIKey, Timeout: c.Embedders.Timeout},
	}
}

const secretService = "docvec"

func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainLookup(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
