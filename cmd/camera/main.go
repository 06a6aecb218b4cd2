package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/pkg/camera"
	"github.com/ecobin/wastesort/pkg/camera/gocvcam"
	"github.com/ecobin/wastesort/pkg/inference"
)

func main() {
	var cfgPath, modelPath, saveDir string
	var device int

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&modelPath, "model", "", "model file (overrides camera.model_path)")
	flag.StringVar(&saveDir, "save", "", "capture directory (overrides camera.save_dir)")
	flag.IntVar(&device, "device", -1, "camera index (overrides camera.device_id)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if modelPath == "" {
		modelPath = cfg.Camera.ModelPath
	}
	if device < 0 {
		device = cfg.Camera.DeviceID
	}
	capture := cfg.CaptureConfig()
	if saveDir != "" {
		capture.SaveDir = saveDir
	}

	classifier, err := inference.Open(modelPath, inference.Options{
		MetadataPath:    cfg.Inference.MetadataPath,
		OnnxLibraryPath: cfg.Inference.OnnxLibraryPath,
	})
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}
	defer classifier.Close()

	webcam, err := gocvcam.OpenWebcam(device)
	if errors.Is(err, camera.ErrDeviceUnavailable) {
		log.Printf("Cannot open camera: %v", err)
		return
	}
	if err != nil {
		log.Fatal(err)
	}

	session := camera.NewSession(webcam, gocvcam.NewWindows(), classifier)
	session.Config = capture

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	captures, err := session.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("camera session failed: %v", err)
	}
	log.Printf("Captured %d images into %s", len(captures), capture.SaveDir)
}
