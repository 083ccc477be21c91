package session

import "chatsync/internal/config"

// Resolve determines the active user id using precedence:
// 1. flagOverride (--user flag)
// 2. config.toml default_user
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultUser != "" {
		return cfg.DefaultUser
	}
	return ""
}
