package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
logging:
  level: debug
  console: true
persist:
  driver: file
  path: /tmp/groupcast
session:
  selection_timeout: 60s
broadcast:
  rate_per_sec: 5
  send_timeout: 20s
  pacing:
    batch_start: 5
    per_send_delay_start: 2s
categories:
  - category: sales
    keywords: [sales, deals]
  - category: support
    keywords: [help]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Categories) != 2 || cfg.Categories[0].Category != "sales" {
		t.Fatalf("categories = %+v", cfg.Categories)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get does not return the committed config")
	}
}

func TestLoadRejectsMissingToken(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "telegram:\n  token: \"\"\n"))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v, want a token error", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	body := strings.Replace(validYAML, "selection_timeout: 60s", "selection_timeout: sixty", 1)
	m := NewManager(writeConfig(t, body))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "selection_timeout") {
		t.Fatalf("err = %v, want a duration error", err)
	}
}

func TestLoadRejectsNegativeDuration(t *testing.T) {
	t.Parallel()

	body := strings.Replace(validYAML, "send_timeout: 20s", "send_timeout: -5s", 1)
	m := NewManager(writeConfig(t, body))
	if _, err := m.Load(); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, validYAML+"\nbogus_key: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestLoadRejectsEmptyCategoryName(t *testing.T) {
	t.Parallel()

	body := strings.Replace(validYAML, "category: support", `category: "  "`, 1)
	m := NewManager(writeConfig(t, body))
	if _, err := m.Load(); err == nil {
		t.Fatal("blank category name accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("1m = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2s", time.Minute); err != nil || d != 2*time.Second {
		t.Fatalf("explicit = %v, %v", d, err)
	}
}

func TestSubscribePublishDropsStale(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: stale one is replaced

	got := <-ch
	if got != second {
		t.Fatal("subscriber did not receive the newest config")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config %p", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
	m.Unsubscribe(ch) // second call is a no-op
	m.publish(&Config{})
}

func TestHashConfigDetectsChange(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "one"}}
	b := &Config{Telegram: TelegramConfig{Token: "two"}}
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("different configs hash equal")
	}
	if hashConfig(a) != hashConfig(&Config{Telegram: TelegramConfig{Token: "one"}}) {
		t.Fatal("equal configs hash differently")
	}
	if hashConfig(nil) != 0 {
		t.Fatal("nil config must hash to zero")
	}
}
