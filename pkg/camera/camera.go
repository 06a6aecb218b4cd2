// Package camera runs the capture-and-classify loop: a live preview, an
// explicit trigger key that classifies the current frame, and annotated
// captures saved under a timestamped name.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/processing"
	"github.com/ecobin/wastesort/pkg/types"
)

// ErrDeviceUnavailable is returned when the capture device cannot be opened
var ErrDeviceUnavailable = errors.New("camera device unavailable")

// Key codes recognised by the loop
const (
	KeyEnter    = 13
	KeyLineFeed = 10
	KeyQuit     = 'q'
)

// Device yields frames from a camera
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Display shows frames in named windows and polls the keyboard
type Display interface {
	Show(window string, img image.Image) error
	// WaitKey blocks for up to ms milliseconds and returns the pressed key or -1
	WaitKey(ms int) int
	Close() error
}

// Classifier is the part of a loaded model the loop needs
type Classifier interface {
	Classify(img image.Image) (types.Prediction, error)
}

// Config controls where and how captures are written
type Config struct {
	SaveDir string
	// Format is jpg or webp
	Format        string
	Quality       int
	PreviewMs     int
	LiveWindow    string
	CaptureWindow string
}

// DefaultConfig mirrors the capture script defaults
func DefaultConfig() Config {
	return Config{
		SaveDir:       "captured_images",
		Format:        "jpg",
		Quality:       90,
		PreviewMs:     1000,
		LiveWindow:    "Press ENTER to Capture",
		CaptureWindow: "Captured Image",
	}
}

// Capture is one saved, classified frame
type Capture struct {
	Prediction types.Prediction
	Path       string
}

// Session owns a device and a display for the duration of Run
type Session struct {
	Device     Device
	Display    Display
	Classifier Classifier
	Processor  *processing.Processor
	Config     Config
	Logger     *log.Logger
	// Now stamps capture filenames
	Now func() time.Time
}

// NewSession wires a session with the default config
func NewSession(dev Device, disp Display, c Classifier) *Session {
	return &Session{
		Device:     dev,
		Display:    disp,
		Classifier: c,
		Processor:  processing.NewProcessor(),
		Config:     DefaultConfig(),
		Logger:     log.New(os.Stderr, "", log.LstdFlags),
		Now:        time.Now,
	}
}

// Run loops until the quit key, a failed frame grab or ctx cancellation.
// The device and display are closed on every exit path.
func (s *Session) Run(ctx context.Context) (captures []Capture, err error) {
	defer func() {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}()

	if err := utils.EnsureDir(s.Config.SaveDir); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	s.logf("Press ENTER to capture and classify. Press 'q' to quit.")

	for {
		if err := ctx.Err(); err != nil {
			return captures, err
		}

		frame, err := s.Device.Read()
		if err != nil {
			s.logf("Failed to grab frame: %v", err)
			return captures, nil
		}
		if err := s.Display.Show(s.Config.LiveWindow, frame); err != nil {
			return captures, err
		}

		switch key := s.Display.WaitKey(1) & 0xFF; key {
		case KeyEnter, KeyLineFeed:
			c, err := s.capture(frame)
			if err != nil {
				return captures, err
			}
			captures = append(captures, c)
		case KeyQuit:
			return captures, nil
		}
	}
}

func (s *Session) capture(frame image.Image) (Capture, error) {
	pred, err := s.Classifier.Classify(frame)
	if err != nil {
		return Capture{}, fmt.Errorf("failed to classify frame: %w", err)
	}
	s.logf("Prediction: %s", pred.Label())

	annotated := s.Processor.Annotate(frame, pred.Label(), processing.DefaultAnnotateOptions())
	format := s.Config.Format
	if format == "" {
		format = "jpg"
	}
	path := filepath.Join(s.Config.SaveDir, utils.CaptureFilename(pred.Class, s.now(), format))
	if err := s.Processor.SaveImage(annotated, path, format, s.Config.Quality, false); err != nil {
		return Capture{}, fmt.Errorf("failed to save capture: %w", err)
	}
	s.logf("Image saved to: %s", path)

	if err := s.Display.Show(s.Config.CaptureWindow, annotated); err != nil {
		return Capture{}, err
	}
	s.Display.WaitKey(s.Config.PreviewMs)
	return Capture{Prediction: pred, Path: path}, nil
}

func (s *Session) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Session) close() error {
	var errs []error
	if s.Device != nil {
		errs = append(errs, s.Device.Close())
	}
	if s.Display != nil {
		errs = append(errs, s.Display.Close())
	}
	return errors.Join(errs...)
}
