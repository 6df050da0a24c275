package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"

	"FHCElite/internal/di"
	"FHCElite/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	envFile := flag.String("env", ".env", "dotenv file, ignored when missing")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load %s: %v", *envFile, err)
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
