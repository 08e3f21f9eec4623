package config

import "testing"

func TestRedisConfig_Addr(t *testing.T) {
	c := RedisConfig{Host: "redis.local", Port: 6380}
	if got := c.Addr(); got != "redis.local:6380" {
		t.Fatalf("got %q", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Symbols: []string{"BTC/USDT"}, Server: ServerConfig{ListenAddr: ":8899"}}, false},
		{"no symbols", Config{Server: ServerConfig{ListenAddr: ":8899"}}, true},
		{"no listen addr", Config{Symbols: []string{"BTC/USDT"}}, true},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}
