package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"camserver/backend"
	"camserver/config"
	"camserver/cs"
	"camserver/metrics"
	"camserver/notify"
	"camserver/serve"
	"camserver/store"
	"camserver/video"
	"camserver/video/sink"
	"camserver/video/source"
)

var (
	configPath = flag.String("config", "", "Path to the JSON config file. Reloaded on change.")
	port       = flag.Int("port", 0, "Port to host web frontend. Overrides the config file.")
	history    = flag.Duration("history", 10*time.Second, "Frame history kept per source for snapshots.")
	debug      = flag.Bool("debug", false, "Enable debug logging.")
)

// camera is a test pattern source together with its frame history.
type camera struct {
	src     *cs.CvSource
	feed    *cs.CvSink
	history *video.Buffer

	cancel context.CancelFunc
	done   chan struct{}
}

// newCamera creates the source and its history feed. The history keeps up
// to historyFrames frames, which must leave room in the frame pool for live
// consumers.
func newCamera(b *backend.Backend, sc config.SourceConfig, historyFrames int) *camera {
	c := &camera{
		src:     cs.NewCvSource(b, sc.Name, sc.VideoMode()),
		history: video.NewBuffer(*history, historyFrames),
	}
	c.src.SetDescription(sc.Description)
	c.feed = cs.NewCvSinkCallback(b, sc.Name+"-history", c.history.Put)
	c.feed.SetSource(&c.src.VideoSource)
	return c
}

// startCamera creates a camera fed by a test pattern.
func startCamera(b *backend.Backend, sc config.SourceConfig, historyFrames int) *camera {
	c := newCamera(b, sc, historyFrames)
	pattern := &source.TestPattern{
		Name:   sc.Name,
		Width:  sc.Width,
		Height: sc.Height,
		FPS:    sc.FPS,
	}
	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	pub := c.src.Clone()
	go func() {
		defer close(c.done)
		defer pub.Close()
		pattern.Run(ctx, pub)
	}()
	return c
}

func (c *camera) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.feed.Close()
	c.history.Close()
	c.src.Close()
}

type server struct {
	streams   *sink.MJPEGServer
	snapshots *serve.SnapshotServer

	l       sync.Mutex
	cameras map[string]*camera
}

// apply brings descriptions and streams in line with c. Sources are only
// created at startup.
func (s *server) apply(c *config.Config) {
	s.l.Lock()
	defer s.l.Unlock()

	for _, sc := range c.Sources {
		cam, ok := s.cameras[sc.Name]
		if !ok {
			log.WithField("source", sc.Name).Warn("New sources require a restart")
			continue
		}
		cam.src.SetDescription(sc.Description)
	}

	want := make(map[string]config.StreamConfig)
	for _, st := range c.Streams {
		if st.IsEnabled() {
			want[st.Name] = st
		}
	}
	for _, name := range s.streams.Names() {
		st, ok := want[name]
		ms := s.streams.Stream(name)
		if ms == nil {
			continue
		}
		if !ok {
			log.WithField("stream", name).Info("Stream disabled")
			ms.Close()
			continue
		}
		if cam, ok := s.cameras[st.Source]; ok {
			if err := ms.SetSource(&cam.src.VideoSource); err != nil {
				log.WithField("stream", name).Errorf("Failed to rebind stream: %v", err)
			}
		}
		delete(want, name)
	}
	for name, st := range want {
		cam, ok := s.cameras[st.Source]
		if !ok {
			log.WithField("stream", name).Warnf("Stream source %q is not running", st.Source)
			continue
		}
		if _, err := s.streams.NewStream(name, &cam.src.VideoSource, 0); err != nil {
			log.WithField("stream", name).Errorf("Failed to create stream: %v", err)
		}
	}
}

func (s *server) Close() {
	s.streams.Close()
	s.l.Lock()
	defer s.l.Unlock()
	for name, cam := range s.cameras {
		s.snapshots.SetBuffer(name, nil)
		cam.Close()
	}
	s.cameras = nil
}

func logEvents(b *backend.Backend) (*cs.SourceListener, *cs.SinkListener) {
	sources := cs.NewSourceListener(b, func(e cs.SourceEvent) {
		log.WithField("source", e.Name).Debugf("Event %v", e.Kind)
	}, backend.SourceEvents, false)
	sinks := cs.NewSinkListener(b, func(e cs.SinkEvent) {
		if e.Kind == backend.SinkSourceChanged && e.Source.Valid() {
			log.WithField("sink", e.Name).Infof("Sink bound to source %v", e.Source.Name())
			return
		}
		log.WithField("sink", e.Name).Debugf("Event %v", e.Kind)
	}, backend.SinkEvents, false)
	return sources, sinks
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	if *configPath != "" {
		if err := config.Load(ctx, *configPath); err != nil {
			return nil, err
		}
		return config.Get(), nil
	}
	log.Info("No config file given, serving a single test pattern")
	c := &config.Config{
		Sources: []config.SourceConfig{{Name: "test", Description: "Test pattern"}},
		Streams: []config.StreamConfig{{Source: "test"}},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	config.Set(c)
	return c, nil
}

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	b := backend.New(backend.Options{
		MaxBuffers: cfg.PoolBuffers(*history),
		MaxFree:    cfg.MaxFree,
		Metrics:    m,
	})
	backend.SetDefault(b)
	defer b.Close()

	srcLog, sinkLog := logEvents(b)
	defer srcLog.Close()
	defer sinkLog.Close()

	mux := http.NewServeMux()

	var db *gorm.DB
	if cfg.EventLogDSN != "" {
		db, err = store.Open(cfg.EventLogDSN)
		if err != nil {
			log.Fatalf("%v", err)
		}
		eventLog, err := store.NewEventLog(b, db)
		if err != nil {
			log.Fatalf("Failed to start event log: %v", err)
		}
		defer eventLog.Close()
		mux.Handle("/history", eventLog)
	}

	hub := serve.NewEventHub(b)
	defer hub.Close()
	listeners := []notify.NotifyListener{hub}
	if cfg.WebPush.Enabled {
		if db == nil {
			log.Fatal("Web push needs EventLogDSN to store subscriptions")
		}
		wp, err := notify.NewWebPush(db, cfg.WebPush.Subscriber)
		if err != nil {
			log.Fatalf("Failed to set up web push: %v", err)
		}
		wp.RegisterHandlers(mux)
		listeners = append(listeners, wp)
	}
	notifier := notify.NewNotifier(b, cfg.WebPush.NotifyMask(), listeners...)
	defer notifier.Close()

	s := &server{
		streams:   sink.NewMJPEGServer(b, m),
		snapshots: &serve.SnapshotServer{B: b},
		cameras:   make(map[string]*camera),
	}
	for _, sc := range cfg.Sources {
		frames, full := cfg.HistoryFrames(sc, *history)
		if !full {
			log.WithField("source", sc.Name).Warnf("MaxBuffers %d limits history to %d frames", cfg.MaxBuffers, frames)
		}
		cam := startCamera(b, sc, frames)
		s.cameras[sc.Name] = cam
		s.snapshots.SetBuffer(sc.Name, cam.history)
	}
	defer s.Close()
	s.apply(cfg)
	config.OnChange(s.apply)

	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/mjpeg", s.streams)
	mux.Handle("/mjpeg/", s.streams)
	mux.Handle("/events", hub)
	mux.Handle("/status", &serve.StatusServer{B: b, Streams: s.streams})
	mux.Handle("/property", &serve.PropertyServer{B: b})
	mux.Handle("/snapshot", s.snapshots)
	mux.Handle("/debug/", http.DefaultServeMux)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.CombinedLoggingHandler(os.Stdout, mux),
	}
	go func() {
		log.Infof("Hosting web frontend on port %d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Caught signal %v, shutting down", sig)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
}
