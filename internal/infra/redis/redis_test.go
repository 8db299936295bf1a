package redis

import (
	"testing"

	"github.com/sifan077/HookRelay/config"
)

func TestOptions(t *testing.T) {
	opts := Options(config.RedisConfig{})
	if opts.Addr != "localhost:6379" || opts.DB != 0 {
		t.Fatalf("unexpected defaults %+v", opts)
	}

	opts = Options(config.RedisConfig{Host: "cache", Port: 6380, Password: "pw", DB: 2})
	if opts.Addr != "cache:6380" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}
