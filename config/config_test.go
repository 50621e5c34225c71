package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camserver/backend"
	"camserver/video/source"
)

func TestValidateDefaults(t *testing.T) {
	c := &Config{
		Sources: []SourceConfig{{Name: "front"}},
		Streams: []StreamConfig{{Source: "front"}},
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Port != 8443 || c.MaxBuffers != 0 || c.MaxFree != 8 {
		t.Errorf("defaults = %d %d %d", c.Port, c.MaxBuffers, c.MaxFree)
	}
	s := c.Sources[0]
	if s.Width != 640 || s.Height != 480 || s.FPS != 15 {
		t.Errorf("source defaults = %+v", s)
	}
	if c.Streams[0].Name != "front" || !c.Streams[0].IsEnabled() {
		t.Errorf("stream defaults = %+v", c.Streams[0])
	}
	if m := c.WebPush.NotifyMask(); m != backend.SourceError|backend.SourceDisconnected {
		t.Errorf("notify mask = %v", m)
	}
}

func TestPoolFitsHistory(t *testing.T) {
	c := &Config{
		Sources: []SourceConfig{{Name: "front"}, {Name: "back", FPS: 30}},
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	history := 10 * time.Second

	// 10s at 30 fps plus headroom.
	if n := c.PoolBuffers(history); n != 300+HistoryHeadroom {
		t.Errorf("PoolBuffers = %d, want %d", n, 300+HistoryHeadroom)
	}
	for _, s := range c.Sources {
		n, full := c.HistoryFrames(s, history)
		if !full || n != s.FPS*10 {
			t.Errorf("HistoryFrames(%s) = %d, %v", s.Name, n, full)
		}
		if n+HistoryHeadroom > c.PoolBuffers(history) {
			t.Errorf("%s history of %d frames leaves no headroom", s.Name, n)
		}
	}
	if n := c.PoolBuffers(0); n != source.DefaultMaxBuffers {
		t.Errorf("PoolBuffers without history = %d", n)
	}

	c.MaxBuffers = 64
	if n, full := c.HistoryFrames(c.Sources[0], history); full || n != 64-HistoryHeadroom {
		t.Errorf("HistoryFrames with MaxBuffers 64 = %d, %v", n, full)
	}
}

func TestValidateErrors(t *testing.T) {
	off := false
	for _, tc := range []struct {
		name string
		c    Config
		want string
	}{
		{"unnamed source", Config{Sources: []SourceConfig{{}}}, "no name"},
		{"duplicate source", Config{Sources: []SourceConfig{{Name: "a"}, {Name: "a"}}}, "duplicate source"},
		{"bad size", Config{Sources: []SourceConfig{{Name: "a", Width: -1, Height: 10}}}, "bad size"},
		{"unknown stream source", Config{Streams: []StreamConfig{{Name: "s", Source: "nope", Enabled: &off}}}, "unknown source"},
		{"pool limits", Config{MaxBuffers: 2, MaxFree: 4}, "exceeds"},
		{"pool too small for history", Config{MaxBuffers: HistoryHeadroom, MaxFree: 4}, "no room"},
		{"bad event", Config{WebPush: WebPushConfig{Events: []string{"bogus"}}}, "unknown web push event"},
		{"push without subscriber", Config{WebPush: WebPushConfig{Enabled: true}}, "Subscriber"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"Port": 1, "Bogus": true}`)
	if err := Load(context.Background(), path); err == nil {
		t.Error("Load accepted an unknown field")
	}
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"Port": 9000, "Sources": [{"Name": "cam"}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Load(ctx, path); err != nil {
		t.Fatal(err)
	}
	if c := Get(); c.Port != 9000 || len(c.Sources) != 1 {
		t.Fatalf("loaded %+v", c)
	}

	reloaded := make(chan *Config, 16)
	OnChange(func(c *Config) {
		if c.Port == 9001 {
			select {
			case reloaded <- c:
			default:
			}
		}
	})

	// The watcher is installed asynchronously, so keep writing until it
	// notices.
	deadline := time.After(5 * time.Second)
	for {
		writeConfig(t, path, `{"Port": 9001, "Sources": [{"Name": "cam"}]}`)
		select {
		case <-reloaded:
			if c := Get(); c.Port != 9001 {
				t.Errorf("Get after reload = %+v", c)
			}
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestReloadOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"Port": 9100}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := Load(ctx, path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 1)
	OnChange(func(c *Config) {
		if c.Port == 9101 {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		}
	})

	tmp := filepath.Join(dir, "config.json.new")
	deadline := time.After(5 * time.Second)
	for {
		writeConfig(t, tmp, `{"Port": 9101}`)
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
		select {
		case <-reloaded:
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("replaced config was not reloaded")
		}
	}
}
