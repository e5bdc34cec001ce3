package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New loads configuration from environment variables into any given struct type.
// It uses generics to work with different config structs.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads content of ENV_FILE (e.g .env.callsession) into environment variables.
// A missing default .env is not an error; an explicit ENV_FILE must exist.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return godotenv.Load(envfile)
}
