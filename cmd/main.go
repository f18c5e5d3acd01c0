package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/app"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("chatsync: %v", err)
	}
}

func run(args []string) error {
	var (
		configPath string
		dev        bool
		flags      app.Flags
	)
	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "./config.toml", "path to the config file")
	flagSet.StringVar(&flags.GuildID, "guild", "", "guild to open first (default: first known guild)")
	flagSet.BoolVar(&dev, "dev", false, "log to the console at debug level, ignoring the logging section")
	flagSet.StringSliceVar(&flags.Channels, "channels", nil, "channels to subscribe, the first one is active (default: all text channels)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("配置初始化失败: %w", err)
	}

	var lg *logger.Logger
	if dev {
		lg, err = logger.NewDevelopmentLogger()
	} else {
		lg, err = logger.NewLogger(&cfg.Logging)
	}
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer lg.Close()

	a, err := app.New(cfg, flags, lg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mainLog := lg.WithFields(zap.String("config", configPath))
	mainLog.Info("chatsync starting",
		zap.String("gateway", cfg.Gateway.URL),
		zap.String("guild_id", flags.GuildID),
		zap.Bool("inspect", cfg.Inspect.Enabled),
	)
	if err := a.Run(ctx); err != nil {
		mainLog.Error("chatsync stopped with error", zap.Error(err))
		return err
	}
	mainLog.Info("chatsync stopped")
	return nil
}
