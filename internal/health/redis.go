package health

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisService probes a redis server with PING. Start and Stop are no-ops.
type RedisService struct {
	URL      string
	Password string
	Timeout  time.Duration
}

// NewRedisService returns a probe for the server at url (redis://host:port/db).
func NewRedisService(url, password string) *RedisService {
	return &RedisService{URL: url, Password: password, Timeout: defaultTimeout}
}

func (r *RedisService) dialOptions(ctx context.Context) []redis.DialOption {
	timeout := r.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && (timeout <= 0 || left < timeout) {
			timeout = left
		}
	}
	opts := []redis.DialOption{
		redis.DialConnectTimeout(timeout),
		redis.DialReadTimeout(timeout),
		redis.DialWriteTimeout(timeout),
	}
	if r.Password != "" {
		opts = append(opts, redis.DialPassword(r.Password))
	}
	return opts
}

func (r *RedisService) HealthCheck(ctx context.Context) (Result, error) {
	conn, err := redis.DialURL(r.URL, r.dialOptions(ctx)...)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	reply, err := redis.String(conn.Do("PING"))
	if err != nil {
		return Result{}, err
	}
	if reply != "PONG" {
		return Result{Healthy: false, Detail: fmt.Sprintf("unexpected PING reply %q", reply)}, nil
	}
	return Result{Healthy: true, Detail: "PONG"}, nil
}

func (r *RedisService) Start(context.Context) error { return nil }
func (r *RedisService) Stop(context.Context) error  { return nil }
