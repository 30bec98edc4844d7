package pool

import (
	"context"
	"fmt"
	"sync"

	"apipool-go/internal/apikey"

	log "github.com/sirupsen/logrus"
)

// Member is a key admitted to a pool together with its connection state.
type Member struct {
	key apikey.Key

	mu     sync.Mutex
	client apikey.Client
}

func newMember(key apikey.Key) *Member {
	return &Member{key: key}
}

// ID returns the key's primary identifier.
func (m *Member) ID() string { return m.key.PrimaryKey() }

// Key returns the adopter supplied key.
func (m *Member) Key() apikey.Key { return m.key }

// Client returns the connected handle, or nil when not connected.
func (m *Member) Client() apikey.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Connected reports whether Connect has succeeded.
func (m *Member) Connected() bool {
	return m.Client() != nil
}

// Connect returns the existing client or connects the key. Concurrent
// callers share a single connection attempt.
func (m *Member) Connect(ctx context.Context) (client apikey.Client, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	defer func() {
		if r := recover(); r != nil {
			client, err = nil, fmt.Errorf("connect %s panicked: %v", m.key.PrimaryKey(), r)
		}
	}()
	client, err = m.key.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.key.PrimaryKey(), err)
	}
	if client == nil {
		return nil, fmt.Errorf("connect %s: nil client", m.key.PrimaryKey())
	}
	m.client = client
	return client, nil
}

// Usable runs the key's liveness probe. Connection failures and panics
// count as not usable.
func (m *Member) Usable(ctx context.Context) (usable bool) {
	client, err := m.Connect(ctx)
	if err != nil {
		log.WithError(err).WithField("key", m.ID()).Debug("liveness probe could not connect")
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"key": m.ID(), "panic": r}).Warn("liveness probe panicked")
			usable = false
		}
	}()
	return m.key.Usable(ctx, client)
}
