package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/linkmux/internal/config"
	"github.com/danmuck/linkmux/internal/linkd"
	"github.com/danmuck/linkmux/internal/observability"
)

func main() {
	path := flag.String("config", "cmd/linkd/config.toml", "server config path")
	initCfg := flag.Bool("init", false, "write a config template to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	flag.Parse()

	if *initCfg {
		if err := config.WriteTemplate(*path, "server", *force); err != nil {
			fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote server config template to %s\n", *path)
		return
	}

	cfg, err := config.LoadServerConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("linkd", cfg.Log)

	svc, err := linkd.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "linkd: %v\n", err)
		os.Exit(1)
	}
}
