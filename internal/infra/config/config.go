package config

import (
	"log"
	"os"
	"strings"
)

type Config struct {
	DatabaseURL  string
	DiscordToken string
	DiscordGuild string

	LogChannelID          string // canal de logs de moderación (opcional)
	NotificationChannelID string // canal de avisos públicos (opcional)
	AdminRoleIDs          []string
}

func Load() Config {
	get := func(k string, req bool) string {
		v := os.Getenv(k)
		if v == "" && req {
			log.Fatalf("faltante env %s", k)
		}
		return v
	}

	cfg := Config{
		DatabaseURL:           get("DATABASE_URL", true),
		DiscordToken:          get("DISCORD_BOT_TOKEN", true),
		DiscordGuild:          get("DISCORD_GUILD_ID", true),
		LogChannelID:          get("LOG_CHANNEL_ID", false),
		NotificationChannelID: get("NOTIFICATION_CHANNEL_ID", false),
	}
	if raw := get("ADMIN_ROLE_IDS", false); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AdminRoleIDs = append(cfg.AdminRoleIDs, id)
			}
		}
	}
	return cfg
}
