package main

import (
	"flag"
	"log"
	"os"

	"github.com/ecobin/wastesort/internal/config"
	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/quant"
)

func main() {
	var cfgPath, in, out, precision string

	flag.StringVar(&cfgPath, "config", "", "JSON config file (defaults when empty)")
	flag.StringVar(&in, "in", "", "full model to convert (overrides convert.input)")
	flag.StringVar(&out, "out", "", "quantized model path (overrides convert.output)")
	flag.StringVar(&precision, "precision", "", "int8 or float32 (overrides convert.precision)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if in == "" {
		in = cfg.Convert.Input
	}
	if out == "" {
		out = cfg.Convert.Output
	}
	if precision == "" {
		precision = cfg.Convert.Precision
	}
	prec, err := quant.ParsePrecision(precision)
	if err != nil {
		log.Fatal(err)
	}

	m, err := quant.ConvertFile(in, out, quant.Options{Precision: prec})
	if err != nil {
		log.Fatalf("conversion failed: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Converted %s to %s (%s, %d layers, %s)", in, out, m.Precision, len(m.Layers), utils.FormatFileSize(info.Size()))
}
