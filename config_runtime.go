package rhombus

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porthorian/rhombus/pkg/authority"
	lrucache "github.com/porthorian/rhombus/pkg/cache/lru"
	memorycache "github.com/porthorian/rhombus/pkg/cache/memory"
	rediscache "github.com/porthorian/rhombus/pkg/cache/redis"
	"github.com/porthorian/rhombus/pkg/credential"
	"github.com/porthorian/rhombus/pkg/crypto"
	"github.com/porthorian/rhombus/pkg/storage"
	memorystore "github.com/porthorian/rhombus/pkg/storage/memory"
	"github.com/porthorian/rhombus/pkg/storage/postgres"
)

type StorageBackend string

const (
	StorageBackendNone     StorageBackend = "none"
	StorageBackendMemory   StorageBackend = "memory"
	StorageBackendPostgres StorageBackend = "postgres"
)

type CacheBackend string

const (
	CacheBackendNone   CacheBackend = "none"
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendLRU    CacheBackend = "lru"
	CacheBackendRedis  CacheBackend = "redis"
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultDialTimeout = 5 * time.Second

	// Seeded into memory storage, mirroring the postgres seed migration.
	systemUserClass = "_SYSTEM_"
	defaultGroup    = "__default__"
	guestsGroup     = "guests"
)

type RuntimeConfig struct {
	Auth       AuthConfig       `yaml:"auth"`
	Session    SessionConfig    `yaml:"session"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Authority  AuthorityConfig  `yaml:"authority"`
	Credential CredentialConfig `yaml:"credential"`
}

type AuthConfig struct {
	// Secret keys the HMAC that turns tokens into cache keys.
	Secret     string       `yaml:"secret"`
	CookieName string       `yaml:"cookie_name"`
	Cookie     CookieConfig `yaml:"cookie"`
}

type CookieConfig struct {
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
}

type SessionConfig struct {
	Expiration       time.Duration `yaml:"expiration"`
	RefreshFraction  float64       `yaml:"refresh_fraction"`
	DefaultUserClass string        `yaml:"default_userclass"`
}

type CacheConfig struct {
	Backend CacheBackend     `yaml:"backend"`
	LRU     LRUCacheConfig   `yaml:"lru"`
	Redis   RedisCacheConfig `yaml:"redis"`
}

type LRUCacheConfig struct {
	Size int `yaml:"size"`
}

type RedisCacheConfig struct {
	Address     string        `yaml:"address"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Database    int           `yaml:"database"`
	Namespace   string        `yaml:"namespace"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type StorageConfig struct {
	Backend  StorageBackend `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresPool is what initialization needs from a connection pool;
// *pgxpool.Pool satisfies it.
type PostgresPool interface {
	postgres.DB
	Ping(ctx context.Context) error
	Close()
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	// Connect defaults to pgxpool.NewWithConfig.
	Connect func(ctx context.Context, config *pgxpool.Config) (PostgresPool, error) `yaml:"-"`
}

type AuthorityConfig struct {
	// URL selects federated mode when set.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CredentialConfig struct {
	Scheme string                `yaml:"scheme"`
	LDAP   LDAPCredentialConfig  `yaml:"ldap"`
	Basic  BasicCredentialConfig `yaml:"basic"`
}

type LDAPCredentialConfig struct {
	URL          string `yaml:"url"`
	BindTemplate string `yaml:"bind_template"`
}

type BasicCredentialConfig struct {
	URL string `yaml:"url"`
}

func (c Config) initialize(ctx context.Context) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config := c
	config.Logger = resolveLogger(config.Logger)

	if config.Keys == nil {
		keys, err := crypto.NewKeyDeriver([]byte(config.Runtime.Auth.Secret))
		if err != nil {
			return nil, Config{}, fmt.Errorf("rhombus config: runtime.auth.secret: %w", err)
		}
		config.Keys = keys
	}

	closeStorage, config, err := initializeStorage(ctx, config)
	if err != nil {
		return nil, Config{}, err
	}

	closeCache, config, err := initializeCache(ctx, config)
	if err != nil {
		_ = closeStorage()
		return nil, Config{}, err
	}

	config, err = initializeAuthority(config)
	if err != nil {
		_ = joinClosers(closeStorage, closeCache)()
		return nil, Config{}, err
	}

	config, err = initializeCredentials(config)
	if err != nil {
		_ = joinClosers(closeStorage, closeCache)()
		return nil, Config{}, err
	}

	return joinClosers(closeStorage, closeCache), config, nil
}

func initializeStorage(ctx context.Context, config Config) (func() error, Config, error) {
	backend := config.Runtime.Storage.Backend
	if backend == "" {
		backend = StorageBackendNone
	}

	switch backend {
	case StorageBackendNone:
		return noopCloser, config, nil
	case StorageBackendMemory:
		return initializeMemoryStorage(config)
	case StorageBackendPostgres:
		return initializePostgres(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("rhombus config: unsupported runtime.storage.backend %q", backend)
	}
}

func initializeMemoryStorage(config Config) (func() error, Config, error) {
	if config.Store != nil {
		return noopCloser, config, nil
	}

	store := memorystore.NewStore()
	store.AddGroup(defaultGroup)
	store.AddGroup(guestsGroup)
	store.PutUserClass(storage.UserClassRecord{
		Domain:       "",
		Name:         systemUserClass,
		DefaultGroup: defaultGroup,
		CredScheme:   string(credential.SchemeLocal),
	})

	config.Store = store
	config.Logger.V(1).Info("initialized memory storage backend")
	return noopCloser, config, nil
}

func initializePostgres(ctx context.Context, config Config) (func() error, Config, error) {
	if config.Store != nil {
		return noopCloser, config, nil
	}

	pgConfig := config.Runtime.Storage.Postgres
	if pgConfig.DSN == "" {
		return nil, Config{}, fmt.Errorf("rhombus config: runtime.storage.postgres.dsn is required")
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = defaultPingTimeout
	}
	if pgConfig.Connect == nil {
		pgConfig.Connect = func(ctx context.Context, config *pgxpool.Config) (PostgresPool, error) {
			return pgxpool.NewWithConfig(ctx, config)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(pgConfig.DSN)
	if err != nil {
		return nil, Config{}, fmt.Errorf("rhombus config: invalid runtime.storage.postgres.dsn: %w", err)
	}
	if pgConfig.MaxConns > 0 {
		poolConfig.MaxConns = pgConfig.MaxConns
	}
	if pgConfig.MinConns > 0 {
		poolConfig.MinConns = pgConfig.MinConns
	}
	if pgConfig.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = pgConfig.ConnMaxLifetime
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = pgConfig.ConnMaxIdleTime
	}

	pool, err := pgConfig.Connect(ctx, poolConfig)
	if err != nil {
		return nil, Config{}, fmt.Errorf("rhombus config: failed to open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, Config{}, fmt.Errorf("rhombus config: failed to ping postgres database: %w", err)
	}

	adapter, err := postgres.NewAdapter(pool)
	if err != nil {
		pool.Close()
		return nil, Config{}, fmt.Errorf("rhombus config: failed to initialize postgres adapter: %w", err)
	}

	config.Store = adapter
	closeResource := func() error {
		pool.Close()
		return nil
	}

	config.Runtime.Storage.Postgres = pgConfig
	config.Logger.V(1).Info("initialized postgres storage backend", "max_conns", poolConfig.MaxConns, "min_conns", poolConfig.MinConns)
	return closeResource, config, nil
}

func initializeCache(ctx context.Context, config Config) (func() error, Config, error) {
	backend := config.Runtime.Cache.Backend
	if backend == "" {
		backend = CacheBackendNone
	}

	switch backend {
	case CacheBackendNone:
		return noopCloser, config, nil
	case CacheBackendMemory:
		if config.Cache == nil {
			config.Cache = memorycache.NewAdapter(memorycache.WithClock(config.now()))
		}
		config.Logger.V(1).Info("initialized memory cache backend")
		return noopCloser, config, nil
	case CacheBackendLRU:
		if config.Cache == nil {
			config.Cache = lrucache.NewAdapter(lrucache.Config{
				Size: config.Runtime.Cache.LRU.Size,
				TTL:  config.Runtime.Session.Expiration,
				Now:  config.now(),
			})
		}
		config.Logger.V(1).Info("initialized lru cache backend", "size", config.Runtime.Cache.LRU.Size)
		return noopCloser, config, nil
	case CacheBackendRedis:
		return initializeRedisCache(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("rhombus config: unsupported runtime.cache.backend %q", backend)
	}
}

func initializeRedisCache(ctx context.Context, config Config) (func() error, Config, error) {
	redisConfig := config.Runtime.Cache.Redis
	if redisConfig.Address == "" {
		return nil, Config{}, fmt.Errorf("rhombus config: runtime.cache.redis.address is required")
	}
	if redisConfig.DialTimeout <= 0 {
		redisConfig.DialTimeout = defaultDialTimeout
	}
	if config.Cache != nil {
		return noopCloser, config, nil
	}

	adapter := rediscache.NewAdapter(rediscache.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		Namespace:   redisConfig.Namespace,
		DialTimeout: redisConfig.DialTimeout,
		Now:         config.now(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConfig.DialTimeout)
	defer cancel()

	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, Config{}, fmt.Errorf("rhombus config: failed to ping redis: %w", err)
	}

	config.Cache = adapter
	config.Runtime.Cache.Redis = redisConfig
	config.Logger.V(1).Info("initialized redis cache backend", "address", redisConfig.Address, "database", redisConfig.Database, "namespace", redisConfig.Namespace)
	return adapter.Close, config, nil
}

func initializeAuthority(config Config) (Config, error) {
	authorityConfig := config.Runtime.Authority
	if config.Authority != nil || authorityConfig.URL == "" {
		return config, nil
	}

	client, err := authority.NewClient(authority.ClientConfig{
		BaseURL: authorityConfig.URL,
		Timeout: authorityConfig.Timeout,
	})
	if err != nil {
		return Config{}, fmt.Errorf("rhombus config: runtime.authority: %w", err)
	}

	config.Authority = client
	config.Logger.V(1).Info("initialized remote authority", "url", authorityConfig.URL)
	return config, nil
}

// initializeCredentials registers the local validator whenever a store is
// available, plus the configured scheme when it is not local.
func initializeCredentials(config Config) (Config, error) {
	if config.Credentials != nil {
		return config, nil
	}

	credConfig := config.Runtime.Credential
	scheme, err := credential.ParseScheme(credConfig.Scheme)
	if err != nil {
		return Config{}, fmt.Errorf("rhombus config: runtime.credential.scheme: %w", err)
	}

	registry := credential.NewRegistry()
	if config.Hasher == nil {
		config.Hasher = crypto.NewPBKDF2Hasher(crypto.DefaultPBKDF2Options())
	}
	if config.Store != nil {
		local, err := credential.New(credential.Config{Scheme: credential.SchemeLocal, Store: config.Store, Hasher: config.Hasher})
		if err != nil {
			return Config{}, fmt.Errorf("rhombus config: local credentials: %w", err)
		}
		if err := registry.Register(credential.SchemeLocal, local); err != nil {
			return Config{}, err
		}
	}

	if scheme != credential.SchemeLocal {
		validator, err := credential.New(credential.Config{
			Scheme:           scheme,
			LDAPURL:          credConfig.LDAP.URL,
			LDAPBindTemplate: credConfig.LDAP.BindTemplate,
			BasicURL:         credConfig.Basic.URL,
		})
		if err != nil {
			return Config{}, fmt.Errorf("rhombus config: runtime.credential: %w", err)
		}
		if err := registry.Register(scheme, validator); err != nil {
			return Config{}, err
		}
	}

	config.Credentials = registry
	config.Logger.V(1).Info("initialized credential validators", "schemes", registry.Len(), "default", scheme)
	return config, nil
}

func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
