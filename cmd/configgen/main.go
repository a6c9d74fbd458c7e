package main

import (
	"context"
	"flag"
	"log"

	"github.com/danmuck/realmpipe/internal/config"
)

func main() {
	kind := flag.String("kind", "single", "upstream servers: single|servers|official")
	output := flag.String("output", "realmpipe.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "realmpipe.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := cfg.ServiceConfig(context.Background()); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
