package config

import (
	"fmt"
	"math"
	"time"

	"camserver/backend"
	"camserver/video/source"
)

type Config struct {
	// Port for the HTTP server. The -port flag overrides it.
	Port int

	Sources []SourceConfig
	Streams []StreamConfig

	// Frame pool limits applied to every source. Zero MaxBuffers sizes the
	// pool to fit the frame history; see PoolBuffers.
	MaxBuffers int
	MaxFree    int

	// If set, lifecycle events are recorded to this MySQL database.
	EventLogDSN string

	WebPush WebPushConfig
}

// SourceConfig describes a synthetic test pattern source.
type SourceConfig struct {
	Name        string
	Description string
	Width       int
	Height      int
	FPS         int
}

// StreamConfig describes an MJPEG stream served at /mjpeg/<Name>.
type StreamConfig struct {
	Name    string
	Source  string
	Enabled *bool
}

type WebPushConfig struct {
	Enabled bool
	// Subscriber is the contact sent with each push, usually a mailto: URL.
	Subscriber string
	// Events that trigger a notification, by name. Defaults to source errors
	// and disconnects.
	Events []string
}

func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s SourceConfig) VideoMode() backend.VideoMode {
	return backend.VideoMode{
		Format: source.PixelMJPEG,
		Width:  s.Width,
		Height: s.Height,
		FPS:    s.FPS,
	}
}

// NotifyMask returns the events selected for web push.
func (w WebPushConfig) NotifyMask() backend.EventKind {
	var m backend.EventKind
	for _, name := range w.Events {
		k, _ := backend.ParseEventKind(name)
		m |= k
	}
	return m
}

// Validate fills in defaults and rejects configurations main cannot run.
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 8443
	}
	if c.MaxFree == 0 {
		c.MaxFree = source.DefaultMaxFree
	}
	if c.MaxBuffers != 0 {
		if c.MaxFree > c.MaxBuffers {
			return fmt.Errorf("MaxFree %d exceeds MaxBuffers %d", c.MaxFree, c.MaxBuffers)
		}
		if c.MaxBuffers <= HistoryHeadroom {
			return fmt.Errorf("MaxBuffers %d leaves no room for frame history, need more than %d", c.MaxBuffers, HistoryHeadroom)
		}
	}

	names := make(map[string]bool)
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			return fmt.Errorf("source %d has no name", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		names[s.Name] = true
		if s.Width == 0 && s.Height == 0 {
			s.Width, s.Height = 640, 480
		}
		if s.Width <= 0 || s.Height <= 0 {
			return fmt.Errorf("source %q: bad size %dx%d", s.Name, s.Width, s.Height)
		}
		if s.FPS == 0 {
			s.FPS = 15
		}
	}

	streams := make(map[string]bool)
	for i := range c.Streams {
		st := &c.Streams[i]
		if st.Name == "" {
			st.Name = st.Source
		}
		if !names[st.Source] {
			return fmt.Errorf("stream %q: unknown source %q", st.Name, st.Source)
		}
		if streams[st.Name] {
			return fmt.Errorf("duplicate stream %q", st.Name)
		}
		streams[st.Name] = true
	}

	if len(c.WebPush.Events) == 0 {
		c.WebPush.Events = []string{
			backend.SourceError.String(),
			backend.SourceDisconnected.String(),
		}
	}
	for _, name := range c.WebPush.Events {
		if _, ok := backend.ParseEventKind(name); !ok {
			return fmt.Errorf("unknown web push event %q", name)
		}
	}
	if c.WebPush.Enabled && c.WebPush.Subscriber == "" {
		return fmt.Errorf("web push enabled without a Subscriber")
	}
	return nil
}

// HistoryHeadroom is the part of each frame pool kept free of history for
// live consumers such as the newest frame, stream encoders and snapshots.
const HistoryHeadroom = 16

func historyWanted(s SourceConfig, history time.Duration) int {
	if history <= 0 || s.FPS <= 0 {
		return 0
	}
	return int(math.Ceil(history.Seconds() * float64(s.FPS)))
}

// PoolBuffers returns the frame pool size for the given history length.
// An explicit MaxBuffers wins. Otherwise the pool holds the longest source
// history plus HistoryHeadroom, and never less than the pool default.
func (c *Config) PoolBuffers(history time.Duration) int {
	if c.MaxBuffers != 0 {
		return c.MaxBuffers
	}
	n := source.DefaultMaxBuffers
	for _, s := range c.Sources {
		if want := historyWanted(s, history) + HistoryHeadroom; want > n {
			n = want
		}
	}
	return n
}

// HistoryFrames returns how many frames of s to keep for the given history
// length. The count always leaves HistoryHeadroom buffers of the pool for
// live consumers, so the second result is false when MaxBuffers forces a
// shorter history.
func (c *Config) HistoryFrames(s SourceConfig, history time.Duration) (int, bool) {
	want := historyWanted(s, history)
	room := c.PoolBuffers(history) - HistoryHeadroom
	if want > room {
		return room, false
	}
	return want, true
}
