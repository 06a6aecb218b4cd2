package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/pkg/dataset"
)

func main() {
	var cfgPath, root, splits string

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&root, "root", "", "dataset root (overrides dataset.root)")
	flag.StringVar(&splits, "splits", strings.Join(dataset.DefaultSplits, ","), "comma separated split names")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if root == "" {
		root = cfg.Dataset.Root
	}

	report, err := dataset.Count(root, strings.Split(splits, ","))
	if err != nil {
		log.Fatalf("count failed: %v", err)
	}
	for _, split := range report.Missing() {
		log.Printf("warning: split directory %s not found", filepath.Join(root, split))
	}
	fmt.Print(report.String())
}
