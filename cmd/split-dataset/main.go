package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/pkg/dataset"
)

func main() {
	var cfgPath string
	var fraction float64
	var seed int64

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.Float64Var(&fraction, "fraction", -1, "share of each class moved to validation (overrides dataset.val_fraction)")
	flag.Int64Var(&seed, "seed", 0, "shuffle seed (overrides dataset.seed when non-zero)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if fraction < 0 {
		fraction = cfg.Dataset.ValFraction
	}
	if seed == 0 {
		seed = cfg.Dataset.Seed
	}

	classes := cfg.Dataset.Classes
	if len(classes) == 0 {
		if classes, err = dataset.DiscoverClasses(cfg.Dataset.TrainDir); err != nil {
			log.Fatal(err)
		}
	}

	result, err := dataset.Split(cfg.Dataset.TrainDir, cfg.Dataset.ValDir, classes, fraction, rand.New(rand.NewSource(seed)))
	if err != nil {
		log.Fatalf("split failed: %v", err)
	}
	for _, c := range classes {
		log.Printf("Moved %d images from %s to validation.", result.Moved[c], c)
	}
	log.Printf("Validation split done.")
}
