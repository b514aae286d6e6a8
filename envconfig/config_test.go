package envconfig

import (
	"log/slog"
	"testing"
)

// ============================================================================
// Host / LogLevel
// ============================================================================

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":        {"", "127.0.0.1:11435"},
		"only address": {"1.2.3.4", "1.2.3.4:11435"},
		"only port":    {":1234", ":1234"},
		"address+port": {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":     {"example.com", "example.com:11435"},
		"http":         {"http://example.com", "example.com:80"},
		"https":        {"https://example.com", "example.com:443"},
		"bad port":     {"1.2.3.4:99999", "1.2.3.4:11435"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("SFAST_HOST", tt.value)
			if host := Host(); host.Host != tt.expect {
				t.Errorf("Host: erwartet %s, bekommen %s", tt.expect, host.Host)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("SFAST_DEBUG", value)
			if got := LogLevel(); got != expect {
				t.Errorf("LogLevel(%q): erwartet %v, bekommen %v", value, expect, got)
			}
		})
	}
}

// ============================================================================
// Getter
// ============================================================================

func TestBoolWithDefault(t *testing.T) {
	t.Setenv("SFAST_FUSION", "")
	if !Fusion(true) {
		t.Error("Fusion: Default true erwartet")
	}

	t.Setenv("SFAST_FUSION", "0")
	if Fusion(true) {
		t.Error("Fusion: 0 sollte false ergeben")
	}

	t.Setenv("SFAST_FUSION", "nonsense")
	if !Fusion(false) {
		t.Error("Fusion: ungueltiger Wert sollte true ergeben")
	}
}

func TestUint(t *testing.T) {
	t.Setenv("SFAST_MAX_PLANS", "")
	if got := MaxPlans(); got != 8 {
		t.Errorf("MaxPlans Default: erwartet 8, bekommen %d", got)
	}

	t.Setenv("SFAST_MAX_PLANS", "3")
	if got := MaxPlans(); got != 3 {
		t.Errorf("MaxPlans: erwartet 3, bekommen %d", got)
	}

	t.Setenv("SFAST_MAX_PLANS", "-1")
	if got := MaxPlans(); got != 8 {
		t.Errorf("MaxPlans ungueltig: erwartet Default 8, bekommen %d", got)
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("SFAST_CACHE_DIR", ` "/tmp/sfast" `)
	if got := CacheDir(); got != "/tmp/sfast" {
		t.Errorf("CacheDir: erwartet /tmp/sfast, bekommen %q", got)
	}
}

func TestAsMapComplete(t *testing.T) {
	m := AsMap()
	for _, key := range []string{"SFAST_DEBUG", "SFAST_GRAPH_REPLAY", "SFAST_DEVICE_MEMORY"} {
		if _, ok := m[key]; !ok {
			t.Errorf("AsMap: Schluessel %s fehlt", key)
		}
	}
}
