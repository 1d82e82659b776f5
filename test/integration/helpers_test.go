package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	eb "github.com/northseadl/eventbus"
)

func requireEnv(t *testing.T, k string) string {
	v := os.Getenv(k)
	if v == "" {
		t.Skipf("env %s not set; skipping integration", k)
	}
	return v
}

// uniqueNamespace 每个测试独立的 topic 前缀，避免残留数据干扰。
func uniqueNamespace(prefix string) string { return prefix + ":" + uuid.NewString()[:8] }

func newBus(t *testing.T, cfg eb.Config, opts ...eb.Option) *eb.Bus {
	t.Helper()
	ctx := context.Background()
	b, err := eb.New(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = b.Close(cctx)
	})
	return b
}
