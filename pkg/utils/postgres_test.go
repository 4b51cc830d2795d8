package utils

import (
	"testing"
	"time"
)

func TestPoolConfigDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 20 || got.MaxIdleConns != 10 {
		t.Fatalf("pool sizing = %d/%d", got.MaxOpenConns, got.MaxIdleConns)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("ping timeout = %v", got.PingTimeout)
	}
}

func TestPoolConfigKeepsExplicitValues(t *testing.T) {
	in := PostgresPoolConfig{MaxOpenConns: 3, MaxIdleConns: 2, PingTimeout: time.Second}
	got := in.withDefaults()
	if got.MaxOpenConns != 3 || got.MaxIdleConns != 2 || got.PingTimeout != time.Second {
		t.Fatalf("explicit values overridden: %+v", got)
	}
	if got.ConnMaxLifetime != time.Hour {
		t.Fatalf("lifetime default = %v", got.ConnMaxLifetime)
	}
}
