package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/singletonkit/bus"
	"github.com/vinayprograms/singletonkit/config"
	skerrors "github.com/vinayprograms/singletonkit/errors"
	"github.com/vinayprograms/singletonkit/registry"
	"github.com/vinayprograms/singletonkit/state"
)

// transport bundles the claim backend and the bus Down events travel on.
type transport struct {
	kind   string
	bus    bus.MessageBus
	claims registry.Backend

	// closers run in order at shutdown: bus first, connection last.
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

func (t *transport) onClose(name string, fn func() error) {
	t.closers = append(t.closers, closer{name: name, fn: fn})
}

// Close runs every closer and joins their errors.
func (t *transport) Close() error {
	var errs []error
	for _, c := range t.closers {
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	t.closers = nil
	return skerrors.Join(errs...)
}

func openTransport(ctx context.Context, cfg config.BackendConfig, nodeID string, o *options) (*transport, error) {
	switch cfg.Kind {
	case config.BackendMemory:
		return openMemory(cfg, o), nil
	case config.BackendNATS:
		return openNATS(cfg, nodeID)
	case config.BackendRedis:
		return openRedis(ctx, cfg)
	default:
		return nil, skerrors.InvalidInput("unknown backend kind " + cfg.Kind)
	}
}

// openMemory keeps claims and Downs in process. Nodes that share a store
// and bus through WithMemory form a cluster inside one process.
func openMemory(cfg config.BackendConfig, o *options) *transport {
	t := &transport{kind: config.BackendMemory}

	store := o.store
	if store == nil {
		ms := state.NewMemoryStore()
		store = ms
		t.onClose("store", ms.Close)
	}
	b := o.bus
	if b == nil {
		mb := bus.NewMemoryBus(bus.DefaultConfig())
		b = mb
		t.onClose("bus", mb.Close)
	}

	t.bus = b
	t.claims = registry.NewStoreBackend(store, cfg.KeyPrefix)
	return t
}

func openNATS(cfg config.BackendConfig, nodeID string) (*transport, error) {
	natsCfg := bus.DefaultNATSConfig()
	if cfg.URL != "" {
		natsCfg.URL = cfg.URL
	}
	natsCfg.Name = "singletond-" + nodeID
	natsCfg.Token = cfg.Token
	natsCfg.User = cfg.User
	natsCfg.Password = cfg.Password

	nb, err := bus.NewNATSBus(natsCfg)
	if err != nil {
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeUnavailable, "connect to nats")
	}

	storeCfg := state.DefaultNATSStoreConfig()
	storeCfg.Conn = nb.Conn()
	if cfg.Bucket != "" {
		storeCfg.Bucket = cfg.Bucket
	}
	store, err := state.NewNATSStore(storeCfg)
	if err != nil {
		nb.Close()
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeUnavailable, "open claim bucket")
	}

	t := &transport{
		kind:   config.BackendNATS,
		bus:    nb,
		claims: registry.NewStoreBackend(store, cfg.KeyPrefix),
	}
	t.onClose("store", store.Close)
	t.onClose("nats", nb.Close)
	return t, nil
}

func openRedis(ctx context.Context, cfg config.BackendConfig) (*transport, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeUnavailable, "connect to redis")
	}

	rb := bus.NewRedisBus(client, bus.DefaultRedisConfig())
	t := &transport{
		kind:   config.BackendRedis,
		bus:    rb,
		claims: registry.NewRedisBackend(client, cfg.KeyPrefix),
	}
	t.onClose("bus", rb.Close)
	t.onClose("redis", client.Close)
	return t, nil
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(cfg config.BackendConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, skerrors.WrapWithCode(err, skerrors.ErrCodeInvalidInput, "backend.url")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
		if opts.Addr == "" {
			opts.Addr = "localhost:6379"
		}
		opts.DB = cfg.DB
	}
	if cfg.User != "" {
		opts.Username = cfg.User
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return opts, nil
}
