package redis

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/moodchat/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHook_CountsCommandsByStatus(t *testing.T) {
	metrics.RedisOpsTotal.Reset()
	hook := &MetricsHook{}
	ctx := context.Background()

	ok := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	failing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errors.New("timeout") })
	missing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })

	_ = ok(ctx, publishCmd(ctx))
	_ = ok(ctx, publishCmd(ctx))
	_ = failing(ctx, publishCmd(ctx))
	_ = missing(ctx, publishCmd(ctx))

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "error")))
}

func TestMetricsHook_PipelineIsOneOperation(t *testing.T) {
	metrics.RedisOpsTotal.Reset()
	ctx := context.Background()

	pipe := (&MetricsHook{}).ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })
	_ = pipe(ctx, []goredis.Cmder{publishCmd(ctx), publishCmd(ctx)})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("pipeline", "success")))
}

func TestMetricsHook_DialErrorsAreCounted(t *testing.T) {
	before := testutil.ToFloat64(metrics.RedisConnectionErrors)

	dial := (&MetricsHook{}).DialHook(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	_, err := dial(context.Background(), "tcp", "127.0.0.1:1")

	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RedisConnectionErrors))
}
