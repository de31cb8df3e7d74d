package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/database"
	"github.com/BaSui01/gateflow/repo"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 建表 / 更新表结构。网关的表结构由 GORM AutoMigrate 管理，
// 只做增量加列建索引，不回滚。
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	db, err := database.Open(database.OpenConfig{
		Dialect: cfg.Database.Dialect,
		DSN:     cfg.Database.DSN,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}

	if err := repo.AutoMigrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	logger.Info("migration completed", zap.String("dialect", cfg.Database.Dialect))
	fmt.Println("OK")
}
