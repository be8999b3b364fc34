package db

import (
	"path/filepath"
	"testing"

	"github.com/suPer8Hu/tablechat/internal/models"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	gdb, err := Open("sqlite:" + filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	u := models.User{Email: "a@b.c", Username: "abc", PasswordHash: "x"}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	if !gdb.Migrator().HasTable("analysis_sessions") || !gdb.Migrator().HasTable("chat_messages") {
		t.Fatalf("chat tables missing")
	}
}
