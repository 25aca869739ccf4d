// Package storagegw is the named external-collaborator contract for
// persistent storage and the billing ledger (spec §1 Non-goals: the core
// never owns a database, only instructs this gateway).
package storagegw

import (
	"context"
	"fmt"
	"sync"
)

// User is the cached subset of a user record the pipeline reads.
type User struct {
	ID               string
	Credits          float64
	AutoTopupEnabled bool
	HasPaymentMethod bool
}

// PersistedMessage is one assistant (or system) message handed to storage
// after encryption by the caller (spec §6 persistence layout).
type PersistedMessage struct {
	ClientMessageID string
	ChatID          string
	HashedUserID    string
	SenderName      string
	EncryptedContent []byte
	CreatedAt       int64
}

// Gateway is the storage/billing external collaborator.
type Gateway interface {
	// GetUser returns the cached user record; ErrNotFound on a cold cache.
	GetUser(ctx context.Context, userID string) (User, error)
	// TopUpCredits triggers an automatic top-up for userID.
	TopUpCredits(ctx context.Context, userID string) error
	// PersistMessage stores one assistant/system message.
	PersistMessage(ctx context.Context, msg PersistedMessage) error
	// IncrementMessagesVersion bumps and returns the chat's messages_version.
	IncrementMessagesVersion(ctx context.Context, chatID string) (int, error)
}

// ErrNotFound is returned by GetUser on a cold cache. The preprocessor's
// credit gate rejects with insufficient_credits on it; Gateway has no method
// to warm the cache from a backing store, so no retry after warming is made.
var ErrNotFound = fmt.Errorf("storagegw: user not found")

// FakeGateway is an in-memory Gateway for tests.
type FakeGateway struct {
	mu              sync.Mutex
	Users           map[string]User
	PersistedMessages []PersistedMessage
	MessagesVersion map[string]int
	TopUpCalls      int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Users:           make(map[string]User),
		MessagesVersion: make(map[string]int),
	}
}

func (f *FakeGateway) GetUser(_ context.Context, userID string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *FakeGateway) TopUpCredits(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TopUpCalls++
	u := f.Users[userID]
	u.Credits += 10
	f.Users[userID] = u
	return nil
}

func (f *FakeGateway) PersistMessage(_ context.Context, msg PersistedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PersistedMessages = append(f.PersistedMessages, msg)
	return nil
}

func (f *FakeGateway) IncrementMessagesVersion(_ context.Context, chatID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MessagesVersion[chatID]++
	return f.MessagesVersion[chatID], nil
}
