package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"thameswater-collector/internal/thameswater"
)

// DefaultCostPerCubicMetre is the current standard Thames Water volumetric
// charge, overridable per account.
const DefaultCostPerCubicMetre = 2.41

type AppConfig struct {
	Email         string `validate:"required,email"`
	Password      string `validate:"required"`
	AccountNumber string `validate:"required"`
	MeterID       string `validate:"required"`
	ClientID      string `validate:"required"`

	// CostPerCubicMetre seeds the cost series; adjustable at runtime via
	// the settings endpoint.
	CostPerCubicMetre float64 `validate:"gte=0"`

	// InitialReading is the optional baseline meter reading. When unset
	// the first backfill derives it from the first fetched row.
	InitialReading *float64

	// UpdateTimes is a gocron time list for the daily refresh job.
	UpdateTimes string `validate:"required"`

	Port string
}

// Credentials assembles the portal credentials from the config.
func (c *AppConfig) Credentials() thameswater.Credentials {
	return thameswater.Credentials{
		Email:         c.Email,
		Password:      c.Password,
		AccountNumber: c.AccountNumber,
		MeterID:       c.MeterID,
		ClientID:      c.ClientID,
	}
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{
		Email:         os.Getenv("TW_EMAIL"),
		Password:      os.Getenv("TW_PASSWORD"),
		AccountNumber: os.Getenv("TW_ACCOUNT_NUMBER"),
		MeterID:       os.Getenv("TW_METER_ID"),
		ClientID:      getenvDefault("TW_CLIENT_ID", thameswater.DefaultClientID),
		UpdateTimes:   getenvDefault("UPDATE_TIMES", "00:00;12:00"),
		Port:          getenvDefault("PORT", "8080"),
	}

	cost, err := getenvFloat("TW_COST_PER_CUBIC_METRE", DefaultCostPerCubicMetre)
	if err != nil {
		return nil, fmt.Errorf("invalid TW_COST_PER_CUBIC_METRE: %w", err)
	}
	cfg.CostPerCubicMetre = cost

	if v := os.Getenv("TW_INITIAL_READING"); v != "" {
		reading, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TW_INITIAL_READING: %w", err)
		}
		cfg.InitialReading = &reading
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}
