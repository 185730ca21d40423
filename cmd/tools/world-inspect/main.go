package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/voxel-engine/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "путь к YAML конфигурации (иначе VOXEL_CONFIG)")
		command    = flag.String("cmd", "list", "Команда: list, inspect, restore, drop, watch")
		worldID    = flag.String("world", "", "Идентификатор мира (overworld, base:<owner>, mission:<seed>)")
		key        = flag.String("key", "", "Ключ карантина для restore/drop")
		prefix     = flag.String("prefix", "", "Префикс ключей для list (world:, quarantine:)")
		eventTypes = flag.String("types", "", "Фильтр типов событий для watch (через запятую)")
		timeout    = flag.Duration("timeout", 30*time.Second, "Таймаут операций с хранилищем")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка конфигурации: %v", err)
	}

	if *command == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		bus, err := cfg.EventBus.OpenBus()
		if err != nil {
			log.Fatalf("❌ Шина событий: %v", err)
		}
		defer bus.Close()
		if err := watchEvents(ctx, bus, os.Stdout, parseStringList(*eventTypes)); err != nil {
			log.Fatalf("❌ Watch failed: %v", err)
		}
		return
	}

	store, err := cfg.Storage.OpenStore()
	if err != nil {
		log.Fatalf("❌ Хранилище %s: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *command {
	case "list":
		err = listWorlds(ctx, store, os.Stdout, *prefix)
	case "inspect":
		err = inspectWorld(ctx, store, os.Stdout, *worldID, *key)
	case "restore":
		err = restoreQuarantined(ctx, store, os.Stdout, *key)
	case "drop":
		err = dropKey(ctx, store, os.Stdout, *key)
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: list, inspect, restore, drop, watch")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
