package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cyberbank/corebank/bank"
	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", slog.Any("err", err))
	}

	config, err := bank.LoadConfig(".")
	if err != nil {
		logger.Error("loading config", slog.Any("err", err))
		os.Exit(1)
	}

	app := bank.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting app", slog.Any("err", err))
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	app.Shutdown()
}
