package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	backendRedis   = "redis"
	redisKeyPrefix = "paste:"
	redisExpiryKey = "pastes:expiry"
	redisReapBatch = 500
	redisNotFound  = -1
	redisExpired   = -2
	redisLimitHit  = -3
	redisCollision = 0
)

// Both scripts run atomically on the server, which is what gives Create its
// uniqueness and FetchAndIncrement its conditional increment.
var (
	createScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return 0
		end
		redis.call("HSET", KEYS[1],
			"body", ARGV[1],
			"sealed_key", ARGV[2],
			"created_at", ARGV[3],
			"expires_at", ARGV[4],
			"max_views", ARGV[5],
			"view_count", 0)
		if ARGV[4] ~= "" then
			redis.call("ZADD", KEYS[2], ARGV[4], ARGV[6])
		end
		return 1
	`)
	incrScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return -1
		end
		local now = tonumber(ARGV[1])
		local exp = redis.call("HGET", KEYS[1], "expires_at")
		if exp and exp ~= "" and now >= tonumber(exp) then
			return -2
		end
		local mv = redis.call("HGET", KEYS[1], "max_views")
		if mv and mv ~= "" then
			local vc = tonumber(redis.call("HGET", KEYS[1], "view_count"))
			if vc >= tonumber(mv) then
				return -3
			end
		end
		redis.call("HINCRBY", KEYS[1], "view_count", 1)
		return redis.call("HGETALL", KEYS[1])
	`)
)

type RedisOpts struct {
	URL      string
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration
}

type Redis struct {
	client  *redis.Client
	timeout time.Duration
	cb      *breaker
}

func NewRedis(opts RedisOpts) (*Redis, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if opts.TLS {
		tlsConfig, err := buildRedisTLSConfig(opt.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if opts.Username != "" {
		opt.Username = opts.Username
	}
	if opts.Password != "" {
		opt.Password = opts.Password
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: timeout,
		cb:      newBreaker(),
	}, nil
}

func buildRedisTLSConfig(addr string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	serverName := os.Getenv("REDIS_HOSTNAME")
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "redis address")
		}
		serverName = host
	}
	tlsConfig.ServerName = serverName
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}

func (r *Redis) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	defer observe(backendRedis, op, time.Now())
	if err := r.cb.check(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := fn(opCtx)
	r.cb.record(ctx, err)
	return classify(err)
}

func (r *Redis) Create(ctx context.Context, p *domain.Paste) error {
	return r.run(ctx, opCreate, func(ctx context.Context) error {
		keys := []string{redisKeyPrefix + p.ID, redisExpiryKey}
		res, err := createScript.Run(ctx, r.client, keys,
			p.Body, p.SealedKey, p.CreatedAt, optInt(p.ExpiresAt), optInt(p.MaxViews), p.ID,
		).Int()
		if err != nil {
			return errors.Wrap(err, "create lua")
		}
		if res == redisCollision {
			return domain.ErrIDCollision
		}
		return nil
	})
}

func (r *Redis) FetchAndIncrement(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	var out *domain.Paste
	err := r.run(ctx, opIncrement, func(ctx context.Context) error {
		res, err := incrScript.Run(ctx, r.client, []string{redisKeyPrefix + id}, now).Result()
		if err != nil {
			return errors.Wrap(err, "increment lua")
		}
		switch v := res.(type) {
		case int64:
			switch v {
			case redisNotFound:
				return domain.ErrPasteNotFound
			case redisExpired:
				return domain.ErrPasteExpired
			case redisLimitHit:
				return domain.ErrViewLimitExceeded
			}
			return errors.Errorf("unexpected increment result %d", v)
		case []interface{}:
			fields := make(map[string]string, len(v)/2)
			for i := 0; i+1 < len(v); i += 2 {
				k, _ := v[i].(string)
				val, _ := v[i+1].(string)
				fields[k] = val
			}
			p, err := decodeHash(id, fields)
			if err != nil {
				return err
			}
			out = p
			return nil
		default:
			return errors.Errorf("unexpected increment result type %T", res)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) Fetch(ctx context.Context, id string) (*domain.Paste, error) {
	var out *domain.Paste
	err := r.run(ctx, opFetch, func(ctx context.Context) error {
		fields, err := r.client.HGetAll(ctx, redisKeyPrefix+id).Result()
		if err != nil {
			return errors.Wrap(err, "get paste")
		}
		if len(fields) == 0 {
			return domain.ErrPasteNotFound
		}
		p, err := decodeHash(id, fields)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) DeleteExpired(ctx context.Context, before int64) (int, error) {
	removed := 0
	err := r.run(ctx, opDeleteExpired, func(ctx context.Context) error {
		for {
			ids, err := r.client.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(before, 10),
				Count: redisReapBatch,
			}).Result()
			if err != nil {
				return errors.Wrap(err, "scan expiry index")
			}
			if len(ids) == 0 {
				return nil
			}
			pipe := r.client.TxPipeline()
			dels := make([]*redis.IntCmd, len(ids))
			for i, id := range ids {
				dels[i] = pipe.Del(ctx, redisKeyPrefix+id)
				pipe.ZRem(ctx, redisExpiryKey, id)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return errors.Wrap(err, "delete expired batch")
			}
			for _, d := range dels {
				removed += int(d.Val())
			}
			if len(ids) < redisReapBatch {
				return nil
			}
		}
	})
	return removed, err
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return classify(r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func decodeHash(id string, f map[string]string) (*domain.Paste, error) {
	p := &domain.Paste{ID: id, Body: []byte(f["body"])}
	if k := f["sealed_key"]; k != "" {
		p.SealedKey = []byte(k)
	}
	var err error
	if p.CreatedAt, err = strconv.ParseInt(f["created_at"], 10, 64); err != nil {
		return nil, errors.Wrap(err, "decode created_at")
	}
	if p.ViewCount, err = strconv.ParseInt(f["view_count"], 10, 64); err != nil {
		return nil, errors.Wrap(err, "decode view_count")
	}
	if p.ExpiresAt, err = parseOptInt(f["expires_at"]); err != nil {
		return nil, errors.Wrap(err, "decode expires_at")
	}
	if p.MaxViews, err = parseOptInt(f["max_views"]); err != nil {
		return nil, errors.Wrap(err, "decode max_views")
	}
	return p, nil
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func parseOptInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
