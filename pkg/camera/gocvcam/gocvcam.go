// Package gocvcam implements the camera Device and Display on OpenCV
package gocvcam

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/ecobin/wastesort/pkg/camera"
)

// Webcam reads frames from an OpenCV capture device
type Webcam struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// OpenWebcam opens the device with the given index
func OpenWebcam(id int) (*Webcam, error) {
	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", camera.ErrDeviceUnavailable, id, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: device %d", camera.ErrDeviceUnavailable, id)
	}
	return &Webcam{capture: capture, frame: gocv.NewMat()}, nil
}

// Read grabs the next frame and converts it to an image
func (w *Webcam) Read() (image.Image, error) {
	if ok := w.capture.Read(&w.frame); !ok || w.frame.Empty() {
		return nil, fmt.Errorf("cannot read frame from device")
	}
	return w.frame.ToImage()
}

// Close releases the frame buffer and the device
func (w *Webcam) Close() error {
	w.frame.Close()
	return w.capture.Close()
}

// Windows shows images in OpenCV highgui windows created on first use
type Windows struct {
	windows map[string]*gocv.Window
	// last is polled by WaitKey
	last *gocv.Window
}

// NewWindows creates an empty window set
func NewWindows() *Windows {
	return &Windows{windows: make(map[string]*gocv.Window)}
}

// Show draws img in the named window
func (w *Windows) Show(name string, img image.Image) error {
	win, ok := w.windows[name]
	if !ok {
		win = gocv.NewWindow(name)
		w.windows[name] = win
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()
	win.IMShow(mat)
	w.last = win
	return nil
}

// WaitKey polls the keyboard for up to ms milliseconds
func (w *Windows) WaitKey(ms int) int {
	if w.last == nil {
		return gocv.WaitKey(ms)
	}
	return w.last.WaitKey(ms)
}

// Close destroys every window
func (w *Windows) Close() error {
	var first error
	for name, win := range w.windows {
		if err := win.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.windows, name)
	}
	w.last = nil
	return first
}
