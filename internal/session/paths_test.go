package session

import (
	"strings"
	"testing"
)

func TestPathsScopedByUser(t *testing.T) {
	if !strings.Contains(DBPath("alice"), "users/alice") {
		t.Errorf("DBPath not scoped by user: %s", DBPath("alice"))
	}
	if DBPath("alice") == DBPath("bob") {
		t.Error("DB paths for different users must differ")
	}
	if !strings.HasSuffix(LogPath("alice"), "chatsyncd.log") {
		t.Errorf("LogPath = %s", LogPath("alice"))
	}
	if !strings.HasSuffix(ConfigPath(), "config.toml") {
		t.Errorf("ConfigPath = %s", ConfigPath())
	}
}
