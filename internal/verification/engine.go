// Package verification drives interactive device verification. Each
// transaction is an independent short-auth-string handshake with one peer
// device; the engine routes incoming protocol messages to transactions,
// enforces the per-transaction ordering guarantee and marks trust on
// success.
package verification

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/event"
	"github.com/mxcrypt/cryptocore/internal/store"
	"github.com/mxcrypt/cryptocore/internal/trust"
)

// Timeout after which an unanswered transaction is cancelled.
const transactionTimeout = 10 * time.Minute

// Sender delivers verification messages to a peer device. Implemented by
// the transport collaborator.
type Sender interface {
	SendVerification(userID, deviceID string, msg event.VerificationMessage) error
}

// Update is a point-in-time snapshot of a transaction state change.
type Update struct {
	Transaction   *Transaction
	OtherUserID   string
	OtherDeviceID string
	TransactionID string
	State         State
	CancelCode    CancelCode
}

// Listener observes transaction state changes. Listeners run under the
// transaction lock; calls that drive the transaction further (ConfirmMatch,
// Cancel) must be dispatched to another goroutine.
type Listener func(u Update)

type txKey struct {
	userID        string
	deviceID      string
	transactionID string
}

// Engine owns the live verification transactions.
type Engine struct {
	store  *store.Store
	trust  *trust.Engine
	sender Sender
	log    *zap.Logger

	userID   string
	deviceID string

	mu   sync.Mutex
	txns map[txKey]*Transaction

	listenerMu sync.Mutex
	listeners  []Listener
}

// NewEngine creates a verification engine bound to the local account held
// by the store.
func NewEngine(st *store.Store, tr *trust.Engine, sender Sender, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		trust:    tr,
		sender:   sender,
		log:      logger,
		userID:   st.UserID(),
		deviceID: st.DeviceID(),
		txns:     make(map[txKey]*Transaction),
	}
}

// AddListener registers a state change observer.
func (e *Engine) AddListener(l Listener) {
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
}

func (e *Engine) notify(u Update) {
	e.listenerMu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.Unlock()
	for _, l := range listeners {
		l(u)
	}
}

// RequestVerification sends m.key.verification.request to a peer device and
// returns the transaction id the peer will echo in its ready message.
func (e *Engine) RequestVerification(otherUserID, otherDeviceID string) (string, error) {
	transactionID := uuid.NewString()
	msg := event.VerificationMessage{
		Kind:          event.KindRequest,
		TransactionID: transactionID,
		Request: &event.VerificationRequestContent{
			FromDevice:    e.deviceID,
			Methods:       []string{MethodSAS},
			Timestamp:     time.Now().UnixMilli(),
			TransactionID: transactionID,
		},
	}
	if err := e.sender.SendVerification(otherUserID, otherDeviceID, msg); err != nil {
		return "", err
	}
	return transactionID, nil
}

// StartSAS opens an outgoing short-auth-string transaction with a fresh
// transaction id.
func (e *Engine) StartSAS(otherUserID, otherDeviceID string) (*Transaction, error) {
	return e.startSAS(otherUserID, otherDeviceID, uuid.NewString())
}

// StartSASForRequest opens an outgoing transaction reusing the id of a
// previously exchanged request/ready pair.
func (e *Engine) StartSASForRequest(otherUserID, otherDeviceID, transactionID string) (*Transaction, error) {
	return e.startSAS(otherUserID, otherDeviceID, transactionID)
}

func (e *Engine) startSAS(otherUserID, otherDeviceID, transactionID string) (*Transaction, error) {
	t := &Transaction{
		TransactionID: transactionID,
		OtherUserID:   otherUserID,
		OtherDeviceID: otherDeviceID,
		weStarted:     true,
		createdAt:     time.Now(),
		engine:        e,
	}
	key := txKey{otherUserID, otherDeviceID, transactionID}
	e.mu.Lock()
	if _, exists := e.txns[key]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("verification: transaction %s already active", transactionID)
	}
	e.txns[key] = t
	e.mu.Unlock()

	if err := t.start(); err != nil {
		e.mu.Lock()
		delete(e.txns, key)
		e.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// Transaction returns a live transaction, or nil.
func (e *Engine) Transaction(otherUserID, otherDeviceID, transactionID string) *Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txns[txKey{otherUserID, otherDeviceID, transactionID}]
}

// OnVerificationEvent routes one incoming to-device verification message.
// Delivery per transaction is ordered by the caller handing events over in
// arrival order; the per-transaction lock keeps concurrent transactions
// independent.
func (e *Engine) OnVerificationEvent(fromUser string, msg event.VerificationMessage) error {
	if msg.TransactionID == "" {
		return fmt.Errorf("verification: event without transaction id")
	}

	switch msg.Kind {
	case event.KindRequest:
		return e.onRequest(fromUser, msg.Request)
	case event.KindReady:
		e.log.Info("verification request accepted by peer",
			zap.String("user_id", fromUser),
			zap.String("transaction_id", msg.TransactionID))
		return nil
	case event.KindStart:
		return e.onStart(fromUser, msg)
	}

	t := e.findTransaction(fromUser, msg.TransactionID)
	if t == nil {
		return e.onUnknownTransaction(fromUser, msg)
	}
	return t.deliver(msg)
}

func (e *Engine) onRequest(fromUser string, req *event.VerificationRequestContent) error {
	if req == nil || req.FromDevice == "" {
		return fmt.Errorf("verification: malformed request")
	}
	if !contains(req.Methods, MethodSAS) {
		return e.sendCancel(fromUser, req.FromDevice, req.TransactionID, CancelUnknownMethod)
	}
	msg := event.VerificationMessage{
		Kind:          event.KindReady,
		TransactionID: req.TransactionID,
		Ready: &event.VerificationReadyContent{
			FromDevice:    e.deviceID,
			Methods:       []string{MethodSAS},
			TransactionID: req.TransactionID,
		},
	}
	return e.sender.SendVerification(fromUser, req.FromDevice, msg)
}

func (e *Engine) onStart(fromUser string, msg event.VerificationMessage) error {
	if msg.Start == nil || msg.Start.FromDevice == "" {
		return fmt.Errorf("verification: malformed start")
	}
	otherDevice := msg.Start.FromDevice
	key := txKey{fromUser, otherDevice, msg.TransactionID}

	e.mu.Lock()
	if existing := e.txns[key]; existing != nil {
		e.mu.Unlock()
		return existing.deliver(msg)
	}
	t := &Transaction{
		TransactionID: msg.TransactionID,
		OtherUserID:   fromUser,
		OtherDeviceID: otherDevice,
		weStarted:     false,
		createdAt:     time.Now(),
		engine:        e,
	}
	e.txns[key] = t
	e.mu.Unlock()

	return t.deliver(msg)
}

// onUnknownTransaction handles a non-start message with no live
// transaction. A finished transaction absorbing a re-delivered message is
// normal; anything else is dropped with a log line, since without a start
// we have no device to address a cancellation to.
func (e *Engine) onUnknownTransaction(fromUser string, msg event.VerificationMessage) error {
	finished, err := e.store.IsVerificationFinished(msg.TransactionID)
	if err != nil {
		return err
	}
	if finished {
		return nil
	}
	e.log.Warn("message for unknown verification transaction",
		zap.String("user_id", fromUser),
		zap.String("transaction_id", msg.TransactionID),
		zap.String("type", msg.Kind.String()))
	return nil
}

func (e *Engine) findTransaction(fromUser, transactionID string) *Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, t := range e.txns {
		if key.userID == fromUser && key.transactionID == transactionID {
			return t
		}
	}
	return nil
}

func (e *Engine) sendCancel(userID, deviceID, transactionID string, code CancelCode) error {
	return e.sender.SendVerification(userID, deviceID, event.VerificationMessage{
		Kind:          event.KindCancel,
		TransactionID: transactionID,
		Cancel: &event.VerificationCancelContent{
			TransactionID: transactionID,
			Code:          string(code),
			Reason:        code.Reason(),
		},
	})
}

// ExpireStale cancels transactions older than the protocol timeout and
// drops terminal transactions from the live set.
func (e *Engine) ExpireStale() {
	cutoff := time.Now().Add(-transactionTimeout)

	e.mu.Lock()
	var stale []*Transaction
	for key, t := range e.txns {
		if t.State().Terminal() {
			delete(e.txns, key)
			continue
		}
		if t.createdAt.Before(cutoff) {
			stale = append(stale, t)
			delete(e.txns, key)
		}
	}
	e.mu.Unlock()

	for _, t := range stale {
		t.mu.Lock()
		if !t.state.Terminal() {
			if err := t.cancel(CancelTimeout); err != nil {
				e.log.Warn("timeout cancellation", zap.Error(err))
			}
		}
		t.mu.Unlock()
	}
}

// ownFingerprint returns the local device's ed25519 key from the store.
func (e *Engine) ownFingerprint() (string, error) {
	dev, err := e.store.GetDevice(e.userID, e.deviceID)
	if err != nil {
		return "", err
	}
	if dev == nil || dev.SigningKey == "" {
		return "", fmt.Errorf("verification: own device %s has no signing key", e.deviceID)
	}
	return dev.SigningKey, nil
}

type peerKeyKind int

const (
	peerKeyUnknown peerKeyKind = iota
	peerKeyDevice
	peerKeyMaster
)

// lookupPeerKey resolves a MAC'd key id to the value we hold for it.
func (e *Engine) lookupPeerKey(userID, deviceID, keyID string) (string, peerKeyKind, error) {
	const prefix = "ed25519:"
	if len(keyID) <= len(prefix) || keyID[:len(prefix)] != prefix {
		return "", peerKeyUnknown, nil
	}
	name := keyID[len(prefix):]

	if name == deviceID {
		dev, err := e.store.GetDevice(userID, deviceID)
		if err != nil {
			return "", peerKeyUnknown, err
		}
		if dev == nil || dev.SigningKey == "" {
			return "", peerKeyUnknown, nil
		}
		return dev.SigningKey, peerKeyDevice, nil
	}

	identity, err := e.store.GetCrossSigningIdentity(userID)
	if err != nil {
		return "", peerKeyUnknown, err
	}
	if identity != nil && identity.MasterKey != nil && identity.MasterKey.PublicKey == name {
		return identity.MasterKey.PublicKey, peerKeyMaster, nil
	}
	return "", peerKeyUnknown, nil
}

// markVerified records the outcome of a successful handshake: the device is
// always locally verified; with cross-signing available the device is also
// cross-signed, and a MAC-validated master key becomes trusted.
func (e *Engine) markVerified(userID, deviceID string, masterVerified bool) error {
	if masterVerified {
		if err := e.store.SetMasterKeyTrusted(userID, true); err != nil {
			return err
		}
	}
	if err := e.trust.MarkLocallyVerified(userID, deviceID); err != nil {
		return err
	}
	enabled, err := e.trust.CrossSigningEnabled()
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	if err := e.trust.TrustDevice(userID, deviceID); err != nil {
		e.log.Warn("cross-signing trust after verification",
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
	return nil
}
