package db

import (
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"
	// Imports postgresql driver for database/sql
	_ "github.com/lib/pq"

	"github.com/lettergate/lettergate-backend/models"
)

// SQLDatabase is a Database interface backed by postgresql.
type SQLDatabase struct {
	cfg  Config  // Configuration to define the DB connection.
	conn *sql.DB // The database connection.
}

func getConnectionString(cfg Config) string {
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.PathEscape(cfg.DbUsername),
		url.PathEscape(cfg.DbPass),
		url.PathEscape(cfg.DbHost),
		url.PathEscape(cfg.DbName))
	return connectionString
}

// InitSQLDatabase creates a DB connection based on information in a Config,
// and returns a pointer to the resulting SQLDatabase object. If connection
// fails, returns an error.
func InitSQLDatabase(cfg Config) (*SQLDatabase, error) {
	connectionString := getConnectionString(cfg)
	log.Printf("Connecting to Postgres DB ...\n")
	conn, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	return &SQLDatabase{cfg: cfg, conn: conn}, nil
}

// randToken generates a random confirmation token.
func randToken() string {
	return uuid.New().String()
}

// SUBSCRIBER DB FUNCTIONS

// GetSubscriber retrieves a confirmed subscriber by e-mail address.
func (db *SQLDatabase) GetSubscriber(email string) (models.Subscriber, error) {
	subscriber := models.Subscriber{}
	err := db.conn.QueryRow("SELECT email, timestamp FROM subscribers WHERE email=$1",
		email).Scan(&subscriber.Email, &subscriber.Timestamp)
	if err == sql.ErrNoRows {
		return subscriber, ErrNotFound
	}
	return subscriber, err
}

// PutSubscriber adds a confirmed subscriber. Duplicate additions are no-ops
// so a redelivered confirmation can never double-subscribe an address.
func (db *SQLDatabase) PutSubscriber(email string) error {
	_, err := db.conn.Exec("INSERT INTO subscribers(email) VALUES($1) "+
		"ON CONFLICT (email) DO NOTHING", email)
	return err
}

// GetSubscribers retrieves all confirmed subscribers, oldest first.
func (db *SQLDatabase) GetSubscribers() ([]models.Subscriber, error) {
	rows, err := db.conn.Query("SELECT email, timestamp FROM subscribers ORDER BY timestamp")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subscribers := []models.Subscriber{}
	for rows.Next() {
		subscriber := models.Subscriber{}
		if err := rows.Scan(&subscriber.Email, &subscriber.Timestamp); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, subscriber)
	}
	return subscribers, rows.Err()
}

// PENDING SUBSCRIPTION DB FUNCTIONS

// PutPendingSubscription generates a token and inserts a pending
// subscription for an e-mail address, returning the resulting record.
// The pending table keys on e-mail, so resubmission replaces any earlier
// token rather than accumulating live tokens for the same address.
func (db *SQLDatabase) PutPendingSubscription(email string) (models.PendingSubscription, error) {
	pending := models.PendingSubscription{
		Email:   email,
		Token:   randToken(),
		Expires: time.Now().Add(tokenExpiry),
	}
	_, err := db.conn.Exec("INSERT INTO pending_subscriptions(email, token, expires) "+
		"VALUES($1, $2, $3) "+
		"ON CONFLICT (email) DO UPDATE SET token=$2, expires=$3",
		pending.Email, pending.Token, pending.Expires)
	return pending, err
}

// GetPendingSubscription retrieves a pending subscription by token.
func (db *SQLDatabase) GetPendingSubscription(token string) (models.PendingSubscription, error) {
	pending := models.PendingSubscription{}
	err := db.conn.QueryRow("SELECT email, token, expires FROM pending_subscriptions WHERE token=$1",
		token).Scan(&pending.Email, &pending.Token, &pending.Expires)
	if err == sql.ErrNoRows {
		return pending, ErrNotFound
	}
	return pending, err
}

// RemovePendingSubscription removes a pending subscription by token.
func (db *SQLDatabase) RemovePendingSubscription(token string) error {
	_, err := db.conn.Exec("DELETE FROM pending_subscriptions WHERE token=$1", token)
	return err
}

// RedeemToken promotes the pending subscription matching a token into a
// confirmed subscriber. The delete and insert run in one transaction, so a
// concurrent redeem of the same token sees zero deleted rows and fails with
// ErrNotFound instead of confirming twice.
func (db *SQLDatabase) RedeemToken(token string) (string, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return "", err
	}
	var email string
	err = tx.QueryRow("DELETE FROM pending_subscriptions "+
		"WHERE token=$1 AND expires > NOW() RETURNING email", token).Scan(&email)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	_, err = tx.Exec("INSERT INTO subscribers(email) VALUES($1) "+
		"ON CONFLICT (email) DO NOTHING", email)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	return email, tx.Commit()
}

// EMAIL BLACKLIST DB FUNCTIONS

// PutBlacklistedEmail adds a bounce or complaint notification to the e-mail
// blacklist.
func (db *SQLDatabase) PutBlacklistedEmail(email string, reason string, timestamp string) error {
	_, err := db.conn.Exec("INSERT INTO blacklisted_emails(email, reason, timestamp) "+
		"VALUES($1, $2, $3)", email, reason, timestamp)
	return err
}

// IsBlacklistedEmail returns true iff we've blacklisted the passed e-mail
// address for sending.
func (db *SQLDatabase) IsBlacklistedEmail(email string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM blacklisted_emails WHERE email=$1",
		email).Scan(&count)
	return count > 0, err
}

func tryExec(database *SQLDatabase, commands []string) error {
	for _, command := range commands {
		if _, err := database.conn.Exec(command); err != nil {
			return fmt.Errorf("command failed: %s\nwith error: %v",
				command, err.Error())
		}
	}
	return nil
}

// ClearTables nukes all the tables. ** Should only be used during testing **
func (db *SQLDatabase) ClearTables() error {
	return tryExec(db, []string{
		"DELETE FROM subscribers",
		"DELETE FROM pending_subscriptions",
		"DELETE FROM blacklisted_emails",
	})
}

// Ping reports whether the database is reachable.
func (db *SQLDatabase) Ping() error {
	return db.conn.Ping()
}
