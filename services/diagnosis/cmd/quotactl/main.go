package main

import (
	"fmt"
	"os"

	"cropdoc/internal/util"
	"cropdoc/services/diagnosis/internal/app"
	"cropdoc/services/diagnosis/internal/config"
	"cropdoc/services/diagnosis/internal/quotactl"
)

func main() {
	rootCmd := quotactl.NewRootCmd(openApp)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openApp(configPath string) (*app.App, error) {
	if err := config.LoadDotEnv(config.DotEnvPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	// quota operations never call the model; keep provider warnings quiet
	util.InitLogger("error")
	return app.New(app.Config{
		DatabaseDriver:        cfg.DatabaseDriver,
		DatabaseURL:           cfg.DatabaseURL,
		DefaultMaxSubmissions: cfg.DefaultMaxSubmissions,
	})
}
