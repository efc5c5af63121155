package db

import (
	"sync"
	"time"

	"github.com/lettergate/lettergate-backend/models"
)

// MemDatabase is a straw-man in-memory database (for testing!)
type MemDatabase struct {
	mu          sync.Mutex
	subscribers map[string]models.Subscriber
	pending     map[string]models.PendingSubscription // keyed by e-mail
	blacklist   map[string]bool
}

// InitMemDatabase returns an empty in-memory database.
func InitMemDatabase() *MemDatabase {
	return &MemDatabase{
		subscribers: make(map[string]models.Subscriber),
		pending:     make(map[string]models.PendingSubscription),
		blacklist:   make(map[string]bool),
	}
}

func (db *MemDatabase) GetSubscriber(email string) (models.Subscriber, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	subscriber, ok := db.subscribers[email]
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	return subscriber, nil
}

func (db *MemDatabase) PutSubscriber(email string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.subscribers[email]; ok {
		return nil
	}
	db.subscribers[email] = models.Subscriber{Email: email, Timestamp: time.Now()}
	return nil
}

func (db *MemDatabase) GetSubscribers() ([]models.Subscriber, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	subscribers := []models.Subscriber{}
	for _, subscriber := range db.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	return subscribers, nil
}

func (db *MemDatabase) PutPendingSubscription(email string) (models.PendingSubscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pending := models.PendingSubscription{
		Email:   email,
		Token:   randToken(),
		Expires: time.Now().Add(tokenExpiry),
	}
	// One live pending subscription per e-mail; resubmission replaces it.
	db.pending[email] = pending
	return pending, nil
}

func (db *MemDatabase) GetPendingSubscription(token string) (models.PendingSubscription, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getPendingByToken(token)
}

func (db *MemDatabase) getPendingByToken(token string) (models.PendingSubscription, error) {
	for _, pending := range db.pending {
		if pending.Token == token {
			return pending, nil
		}
	}
	return models.PendingSubscription{}, ErrNotFound
}

func (db *MemDatabase) RemovePendingSubscription(token string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.removePendingByToken(token)
}

func (db *MemDatabase) removePendingByToken(token string) error {
	for email, pending := range db.pending {
		if pending.Token == token {
			delete(db.pending, email)
			return nil
		}
	}
	return ErrNotFound
}

func (db *MemDatabase) RedeemToken(token string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pending, err := db.getPendingByToken(token)
	if err != nil {
		return "", err
	}
	if pending.Expired() {
		return "", ErrNotFound
	}
	if _, ok := db.subscribers[pending.Email]; !ok {
		db.subscribers[pending.Email] = models.Subscriber{
			Email:     pending.Email,
			Timestamp: time.Now(),
		}
	}
	return pending.Email, db.removePendingByToken(token)
}

func (db *MemDatabase) PutBlacklistedEmail(email string, reason string, timestamp string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.blacklist[email] = true
	return nil
}

func (db *MemDatabase) IsBlacklistedEmail(email string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.blacklist[email], nil
}

func (db *MemDatabase) ClearTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.subscribers = make(map[string]models.Subscriber)
	db.pending = make(map[string]models.PendingSubscription)
	db.blacklist = make(map[string]bool)
	return nil
}
