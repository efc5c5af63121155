package models

import "time"

// PendingSubscription stores a subscription request awaiting confirmation.
type PendingSubscription struct {
	Email   string    `json:"email"`   // E-mail address to be subscribed.
	Token   string    `json:"token"`   // Token we expect the confirmation link to carry.
	Expires time.Time `json:"expires"` // When this request expires.
}

// Expired reports whether this pending subscription can no longer be
// confirmed.
func (p *PendingSubscription) Expired() bool {
	return p.Expires.Before(time.Now())
}

// Subscriber is a confirmed newsletter recipient.
type Subscriber struct {
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"` // When the subscription was confirmed.
}

// pendingStore is the interface for retiring pending subscriptions.
type pendingStore interface {
	RemovePendingSubscription(string) error
}

// subscriberStore is the interface for adding confirmed subscribers.
type subscriberStore interface {
	PutSubscriber(string) error
}

// Promote turns this pending subscription into a confirmed subscriber and
// removes the pending record. Stores with native transactions should redeem
// atomically instead; this helper serves stores without them.
func (p *PendingSubscription) Promote(pendings pendingStore, subscribers subscriberStore) error {
	if err := subscribers.PutSubscriber(p.Email); err != nil {
		return err
	}
	return pendings.RemovePendingSubscription(p.Token)
}
