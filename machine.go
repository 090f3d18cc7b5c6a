// Package cryptocore implements the end-to-end encryption session and trust
// store: persistent pairwise and group session records, the cross-signing
// trust engine, the room-key request broker, interactive device verification
// and the key backup coordinator. Transport and UI are external
// collaborators; they feed protocol events in through the Machine and read
// trust state back out.
package cryptocore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/backup"
	"github.com/mxcrypt/cryptocore/internal/event"
	"github.com/mxcrypt/cryptocore/internal/keyrequest"
	"github.com/mxcrypt/cryptocore/internal/olm"
	"github.com/mxcrypt/cryptocore/internal/store"
	"github.com/mxcrypt/cryptocore/internal/trust"
	"github.com/mxcrypt/cryptocore/internal/verification"
)

// Re-exported collaborator types so callers only import this package.
type (
	DeviceIdentity     = store.DeviceIdentity
	CrossSigningKey    = store.CrossSigningKey
	OutgoingKeyRequest = store.OutgoingKeyRequest
	VerificationSender = verification.Sender
	VerificationUpdate = verification.Update
	VerificationEmoji  = verification.Emoji
	TrustLevel         = trust.Level
	TrustShield        = trust.Shield
)

// ErrClosed is returned by operations on a shut-down Machine.
var ErrClosed = fmt.Errorf("cryptocore: machine closed")

// Machine is the top-level entry point. It owns the store and the engines
// built on it; shutdown is an explicit state transition observed by every
// subsequent call, not an ambient flag.
type Machine struct {
	dbPath string
	logger *zap.Logger
	sender verification.Sender

	store    *store.Store
	trust    *trust.Engine
	broker   *keyrequest.Broker
	verifier *verification.Engine
	backup   *backup.Coordinator

	mu     sync.RWMutex
	closed bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithDBPath overrides the default store location.
func WithDBPath(path string) Option {
	return func(m *Machine) { m.dbPath = path }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithVerificationSender sets the transport used for outgoing verification
// messages. Required before verification can be used.
func WithVerificationSender(s verification.Sender) Option {
	return func(m *Machine) { m.sender = s }
}

// NewMachine opens the store for the given account and wires up the
// engines. A store holding a different account's data is wiped; a store for
// the same account that fails to migrate halts here rather than dropping
// encryption state.
func NewMachine(userID, deviceID string, opts ...Option) (*Machine, error) {
	m := &Machine{
		sender: noopSender{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	st, err := store.Open(m.dbPath, userID, deviceID, m.logger)
	if err != nil {
		return nil, err
	}
	m.store = st
	m.trust = trust.NewEngine(st, m.logger)
	m.broker = keyrequest.NewBroker(st, m.logger)
	m.verifier = verification.NewEngine(st, m.trust, m.sender, m.logger)
	m.backup = backup.NewCoordinator(st, m.logger)
	return m, nil
}

// Store exposes the session store.
func (m *Machine) Store() *store.Store { return m.store }

// Trust exposes the trust engine.
func (m *Machine) Trust() *trust.Engine { return m.trust }

// Requests exposes the key request broker.
func (m *Machine) Requests() *keyrequest.Broker { return m.broker }

// Verifier exposes the verification engine.
func (m *Machine) Verifier() *verification.Engine { return m.verifier }

// Backup exposes the key backup coordinator.
func (m *Machine) Backup() *backup.Coordinator { return m.backup }

// Close releases the store and marks the machine shut down. Safe to call
// more than once.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.store.Close()
}

func (m *Machine) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// HandleToDeviceEvent routes one incoming to-device protocol event. Events
// must be handed over in arrival order; routing fans out by event type to
// the verification engine, the key request broker or the session store.
func (m *Machine) HandleToDeviceEvent(fromUser, eventType string, content json.RawMessage) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(eventType, "m.key.verification."):
		msg, err := event.ParseVerification(eventType, content)
		if err != nil {
			return err
		}
		return m.verifier.OnVerificationEvent(fromUser, msg)

	case eventType == event.TypeRoomKeyRequest:
		var req event.RoomKeyRequestContent
		if err := json.Unmarshal(content, &req); err != nil {
			return fmt.Errorf("cryptocore: parse %s: %w", eventType, err)
		}
		return m.broker.OnIncomingRequest(fromUser, req)

	case eventType == event.TypeForwardedRoomKey:
		var fwd event.ForwardedRoomKeyContent
		if err := json.Unmarshal(content, &fwd); err != nil {
			return fmt.Errorf("cryptocore: parse %s: %w", eventType, err)
		}
		return m.onForwardedRoomKey(fromUser, fwd, content)

	case eventType == event.TypeRoomKeyWithheld:
		var withheld event.RoomKeyWithheldContent
		if err := json.Unmarshal(content, &withheld); err != nil {
			return fmt.Errorf("cryptocore: parse %s: %w", eventType, err)
		}
		return m.broker.OnWithheldNotice(fromUser, withheld)
	}

	m.logger.Debug("unhandled to-device event", zap.String("type", eventType))
	return nil
}

// onForwardedRoomKey imports a forwarded group session, records the forward
// on the audit trail and resolves any matching outgoing request. An
// unusable session key is logged and skipped, never fatal for the batch.
func (m *Machine) onForwardedRoomKey(fromUser string, fwd event.ForwardedRoomKeyContent, raw json.RawMessage) error {
	if fwd.Algorithm != event.AlgorithmMegolm {
		m.logger.Info("forwarded key with unsupported algorithm",
			zap.String("algorithm", fwd.Algorithm))
		return nil
	}
	sess, err := olm.NewInboundGroupSession(fwd.SessionID, fwd.SessionKey, 0)
	if err != nil {
		m.logger.Warn("unusable forwarded session key",
			zap.String("session_id", fwd.SessionID),
			zap.Error(err))
		return nil
	}
	defer sess.Release()

	if err := m.store.PutInboundGroupSession(fwd.SenderKey, fwd.RoomID, sess, fwd.SharedHistory); err != nil {
		return err
	}
	fromDevice := ""
	if dev, err := m.deviceByIdentityKey(fromUser, fwd.SenderKey); err == nil && dev != nil {
		fromDevice = dev.DeviceID
	}
	return m.broker.OnRoomKeyForwarded(fromUser, fromDevice, fwd, raw)
}

// deviceByIdentityKey finds the sender device by its curve25519 key.
func (m *Machine) deviceByIdentityKey(userID, identityKey string) (*store.DeviceIdentity, error) {
	devices, err := m.store.GetUserDevices(userID)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.IdentityKey == identityKey {
			return dev, nil
		}
	}
	return nil, nil
}

// noopSender rejects verification sends until a real transport is wired.
type noopSender struct{}

func (noopSender) SendVerification(string, string, event.VerificationMessage) error {
	return fmt.Errorf("cryptocore: no verification sender configured")
}
