package misc

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
)

func LoadEnvSettings(logger *slog.Logger) {
	if godotenv.Load(".env.local") == nil {
		Debugf(logger, "loaded .env.local")
	}
	if godotenv.Load() == nil {
		Debugf(logger, "loaded .env")
	}
}

func LoadEnvForChain(logger *slog.Logger, chain string) {
	if godotenv.Load(fmt.Sprintf(".env.%s", chain)) == nil {
		Infof(logger, "loaded .env.%s", chain)
	}
}
