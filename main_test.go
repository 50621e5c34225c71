package main

import (
	"context"
	"testing"
	"time"

	"camserver/backend"
	"camserver/config"
	"camserver/status"
	"camserver/video/sink"
	"camserver/video/source"
)

// waitDelivered waits until the newest frame in the history carries id.
func waitDelivered(t *testing.T, c *camera, id []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f := c.history.At(time.Now())
		got := string(f.Data())
		f.Release()
		if got == string(id) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("frame %v not delivered to history, newest is %v", id, []byte(got))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHistoryFitsPool(t *testing.T) {
	defaults, err := loadConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	small := *defaults
	small.MaxBuffers = 64

	for _, tc := range []struct {
		name string
		cfg  *config.Config
	}{
		{"default", defaults},
		{"explicit MaxBuffers", &small},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			pool := cfg.PoolBuffers(*history)
			b := backend.New(backend.Options{MaxBuffers: pool, MaxFree: cfg.MaxFree})
			defer b.Close()

			sc := cfg.Sources[0]
			frames, _ := cfg.HistoryFrames(sc, *history)
			cam := newCamera(b, sc, frames)
			defer cam.Close()

			for i := 0; i < 2*pool; i++ {
				id := []byte{byte(i), byte(i >> 8)}
				img := source.Image{Width: sc.Width, Height: sc.Height, Format: source.PixelMJPEG, Data: id}
				if st := cam.src.PutFrame(img); st != status.OK {
					t.Fatalf("PutFrame %d with a %d buffer pool: %v (%+v)", i, pool, st, cam.src.PoolStats())
				}
				waitDelivered(t, cam, id)
			}

			if s := cam.src.PoolStats(); s.Dropped != 0 || s.Outstanding > frames+config.HistoryHeadroom {
				t.Errorf("pool stats = %+v, history %d frames", s, frames)
			}
			held := 0
			cam.history.FlushToSink(sink.Func(func(*source.Frame) { held++ }))
			if held != frames {
				t.Errorf("history holds %d frames, want %d", held, frames)
			}
		})
	}
}
