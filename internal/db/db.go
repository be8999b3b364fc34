package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Open connects to MySQL, or to a SQLite file when dsn starts with "sqlite:".
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, sqlitePrefix); ok {
		dialector = gormsqlite.Open(path)
	} else {
		dialector = mysql.Open(dsn)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	all := append([]any{&models.User{}}, chat.Models()...)
	if err := gdb.AutoMigrate(all...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
