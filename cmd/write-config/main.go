package main

import (
	"flag"
	"log"

	"github.com/ecobin/wastesort/internal/config"
)

func main() {
	out := flag.String("out", config.GetConfigPath(), "where to write the default config")
	flag.Parse()

	if err := config.Default().SaveToFile(*out); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", *out)
}
