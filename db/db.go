package db

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/lettergate/lettergate-backend/models"
)

// How long a confirmation token stays redeemable.
const tokenExpiry = time.Hour * 72

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// Database interface: the things the subscription store should be able to do.
type Database interface {
	// Retrieves a confirmed subscriber by e-mail address.
	GetSubscriber(email string) (models.Subscriber, error)
	// Adds a confirmed subscriber. Adding an existing subscriber is a no-op.
	PutSubscriber(email string) error
	// Retrieves all confirmed subscribers.
	GetSubscribers() ([]models.Subscriber, error)
	// Creates a pending subscription with a fresh token. At most one pending
	// subscription exists per e-mail; resubmitting replaces the token.
	PutPendingSubscription(email string) (models.PendingSubscription, error)
	// Retrieves a pending subscription by token.
	GetPendingSubscription(token string) (models.PendingSubscription, error)
	// Removes a pending subscription by token.
	RemovePendingSubscription(token string) error
	// Atomically promotes the pending subscription for a token into a
	// confirmed subscriber, removing the pending record. Returns the
	// subscribed e-mail address, or ErrNotFound for unknown, already
	// redeemed, or expired tokens.
	RedeemToken(token string) (string, error)
	// Adds a bounce or complaint notification to the e-mail blacklist.
	PutBlacklistedEmail(email string, reason string, timestamp string) error
	// Returns true if we've blacklisted an e-mail address.
	IsBlacklistedEmail(email string) (bool, error)
	ClearTables() error
}

// Config is a configuration struct for a Database.
type Config struct {
	Port       string
	DbHost     string
	DbName     string
	DbUsername string
	DbPass     string
}

// Default configuration values. Can be overwritten by env vars of the same name.
var configDefaults = map[string]string{
	"PORT":         "8080",
	"DB_HOST":      "localhost",
	"DB_NAME":      "lettergate",
	"DB_USERNAME":  "postgres",
	"DB_PASSWORD":  "postgres",
	"TEST_DB_NAME": "lettergate_test",
}

func getEnvOrDefault(varName string) string {
	envVar := os.Getenv(varName)
	if len(envVar) == 0 {
		envVar = configDefaults[varName]
	}
	return envVar
}

// LoadEnvironmentVariables loads relevant environment variables into a
// Config object.
func LoadEnvironmentVariables() (Config, error) {
	config := Config{
		Port:       getEnvOrDefault("PORT"),
		DbHost:     getEnvOrDefault("DB_HOST"),
		DbName:     getEnvOrDefault("DB_NAME"),
		DbUsername: getEnvOrDefault("DB_USERNAME"),
		DbPass:     getEnvOrDefault("DB_PASSWORD"),
	}
	if flag.Lookup("test.v") != nil {
		// Avoid accidentally wiping the default db during tests.
		config.DbName = getEnvOrDefault("TEST_DB_NAME")
	}
	return config, nil
}
