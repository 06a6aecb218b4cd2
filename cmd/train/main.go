package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/pkg/training"
)

func main() {
	var cfgPath, backbone, final string
	var stage1, stage2, batch int

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&backbone, "backbone", "", "saved model whose backbone seeds training (overrides model.backbone_path)")
	flag.StringVar(&final, "out", "", "final model path (overrides training.final_path)")
	flag.IntVar(&stage1, "epochs1", -1, "head training epochs (overrides training.stage1_epochs)")
	flag.IntVar(&stage2, "epochs2", -1, "fine-tuning epochs (overrides training.stage2_epochs)")
	flag.IntVar(&batch, "batch", 0, "batch size (overrides feed.batch_size)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	run := cfg.TrainingRun()
	if backbone != "" {
		run.BackbonePath = backbone
	}
	if final != "" {
		run.FinalPath = final
	}
	if stage1 >= 0 {
		run.Stage1Epochs = stage1
	}
	if stage2 >= 0 {
		run.Stage2Epochs = stage2
	}
	if batch > 0 {
		run.BatchSize = batch
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := training.NewOrchestrator(run).Run(ctx)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	log.Printf("classes: %v", report.Classes)
	log.Printf("stage 1: %d epochs, stage 2: %d epochs, best val_loss %.4f",
		len(report.Stage1.Epochs), len(report.Stage2.Epochs), report.BestValLoss)
	if run.TestDir != "" {
		log.Printf("test loss %.4f, test accuracy %.4f", report.TestLoss, report.TestAccuracy)
	}
	if report.FinalPath != "" {
		log.Printf("final model: %s", report.FinalPath)
	}
}
