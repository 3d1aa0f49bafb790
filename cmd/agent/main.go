package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"halo/internal/agent"
	"halo/internal/logs"
)

const firmwareVersion = "1.4.0"

// Конфиг агента намеренно плоский: env-переменные с дефолтами, файл опционален.
func loadConfig() {
	viper.SetEnvPrefix("halo_agent")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("backend.url", "http://localhost:8080")
	viper.SetDefault("broker.url", "ws://localhost:8080/ws")
	viper.SetDefault("realtime.enabled", true)
	viper.SetDefault("state.path", defaultStatePath())
	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")

	if cfgFile := os.Getenv("AGENT_CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("agent config: %v", err)
		}
	}
}

func defaultStatePath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return xdg + "/halo/agent.json"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent.json"
	}
	return home + "/.local/state/halo/agent.json"
}

func main() {
	loadConfig()
	logs.Init(logs.Options{
		Level:  viper.GetString("logs.level"),
		Format: viper.GetString("logs.format"),
	})

	creds, err := agent.LoadOrCreate(viper.GetString("state.path"))
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}
	logs.Logger.WithField("serial", creds.Serial()).Info("agent starting")

	backend := agent.NewBackend(viper.GetString("backend.url"), creds)
	view := agent.NewAppView()
	runner := agent.NewRunner()
	agent.RegisterBuiltins(runner, view)

	var rt *agent.Realtime
	if viper.GetBool("realtime.enabled") {
		rt = agent.NewRealtime(viper.GetString("broker.url"), creds, view, runner, firmwareVersion)
	}
	ctrl := agent.NewController(backend, creds, view, runner, rt, firmwareVersion)

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		cancel()
	}()

	if rt != nil {
		go rt.Run(ctx)
	}
	ctrl.Run(ctx)
}
