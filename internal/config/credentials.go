package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Credentials are the venue API keys. They come from the environment, never from YAML.
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentials reads BINANCE_API_KEY and BINANCE_API_SECRET after a best-effort load of
// the given env files (".env" when none are named).
func LoadCredentials(files ...string) Credentials {
	_ = godotenv.Load(files...) // best-effort
	return Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		APISecret: os.Getenv("BINANCE_API_SECRET"),
	}
}

// Complete reports whether both key and secret are present.
func (c Credentials) Complete() bool { return c.APIKey != "" && c.APISecret != "" }
