package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	log "github.com/sirupsen/logrus"

	"camserver/status"
)

// Publisher accepts captured images. cs.CvSource satisfies it.
type Publisher interface {
	PutFrame(img Image) status.Code
	SetConnected(connected bool)
	NotifyError(msg string)
}

// TestPattern is a synthetic capture driver that feeds a moving gradient
// into a Publisher at a fixed rate.
type TestPattern struct {
	Name   string
	Width  int
	Height int
	FPS    int
	Label  color.RGBA

	frame int
}

// Run publishes frames until ctx is done, marking the publisher connected
// for the duration.
func (t *TestPattern) Run(ctx context.Context, p Publisher) {
	fps := t.FPS
	if fps <= 0 {
		fps = 15
	}
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()

	clog := log.WithField("source", t.Name)
	clog.Infof("Test pattern started at %dx%d %d fps", t.Width, t.Height, fps)
	p.SetConnected(true)
	defer p.SetConnected(false)

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			clog.Info("Test pattern stopped")
			return
		case <-tick.C:
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, t.render(), &jpeg.Options{Quality: 75}); err != nil {
			p.NotifyError(err.Error())
			continue
		}
		img := Image{
			Width:  t.Width,
			Height: t.Height,
			Format: PixelMJPEG,
			Data:   buf.Bytes(),
		}
		if st := p.PutFrame(img); st != status.OK {
			clog.Debugf("Dropped test pattern frame: %v", st)
		}
	}
}

func (t *TestPattern) render() image.Image {
	w, h := t.Width, t.Height
	if w <= 0 || h <= 0 {
		w, h = 320, 240
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shift := t.frame * 4
	t.frame++
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / w),
				G: uint8(y * 255 / h),
				B: t.Label.B,
				A: 255,
			})
		}
	}
	// A bar that sweeps left to right makes dropped frames visible.
	bar := shift % w
	for y := 0; y < h; y++ {
		for x := bar; x < bar+4 && x < w; x++ {
			img.Set(x, y, t.Label)
		}
	}
	return img
}
