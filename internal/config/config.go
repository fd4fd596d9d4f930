package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey  string
	DatabaseURL   string
	HTTPPort      string
	LogLevel      string
	JWTSecret     string
	RedisURL      string
	CatalogFile   string
	APIBaseURL    string
	APIToken      string
	ReplyDelayMin time.Duration
	ReplyDelayMax time.Duration
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:   getEnv("DATABASE_URL", "study_assistant.db"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		CatalogFile:   getEnv("CATALOG_FILE", ""),
		APIBaseURL:    getEnv("API_BASE_URL", "http://localhost:8080/api"),
		APIToken:      getEnv("API_TOKEN", ""),
		ReplyDelayMin: time.Duration(getEnvAsInt("REPLY_DELAY_MIN_MS", 1000)) * time.Millisecond,
		ReplyDelayMax: time.Duration(getEnvAsInt("REPLY_DELAY_MAX_MS", 3000)) * time.Millisecond,
	}

	if AppConfig.ReplyDelayMax < AppConfig.ReplyDelayMin {
		log.Printf("REPLY_DELAY_MAX_MS below REPLY_DELAY_MIN_MS, using %v for both", AppConfig.ReplyDelayMin)
		AppConfig.ReplyDelayMax = AppConfig.ReplyDelayMin
	}
}

// RequireServerSecrets reports the settings the HTTP server cannot start without.
func (c Config) RequireServerSecrets() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}

func (c Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
