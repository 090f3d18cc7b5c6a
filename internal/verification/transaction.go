package verification

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/event"
	"github.com/mxcrypt/cryptocore/internal/olm"
	"github.com/mxcrypt/cryptocore/internal/store"
)

// State is a verification transaction's position in the handshake.
type State int

const (
	StateNone State = iota
	StateStarted
	StateAccepted
	StateKeySent
	StateShortCodeReady
	StateShortCodeAccepted
	StateMacSent
	StateVerifying
	StateVerified
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateStarted:
		return "Started"
	case StateAccepted:
		return "Accepted"
	case StateKeySent:
		return "KeySent"
	case StateShortCodeReady:
		return "ShortCodeReady"
	case StateShortCodeAccepted:
		return "ShortCodeAccepted"
	case StateMacSent:
		return "MacSent"
	case StateVerifying:
		return "Verifying"
	case StateVerified:
		return "Verified"
	case StateCancelled:
		return "Cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateCancelled
}

// Supported method and algorithm identifiers.
const (
	MethodSAS = "m.sas.v1"

	keyAgreementCurveHKDF = "curve25519-hkdf-sha256"
	hashSHA256            = "sha256"

	sasDecimal = "decimal"
	sasEmoji   = "emoji"

	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"
)

// Transaction is one SAS handshake with a single peer device. All message
// delivery and user actions for a transaction are serialized by its mutex,
// so the handshake never observes reordered events. Once Cancelled or
// Verified, every late message is absorbed without a transition.
type Transaction struct {
	TransactionID string
	OtherUserID   string
	OtherDeviceID string

	mu        sync.Mutex
	state     State
	weStarted bool
	createdAt time.Time

	sas             *olm.SAS
	startContent    *event.VerificationStartContent
	theirCommitment string
	theirKey        string
	macMethod       string
	theirMac        *event.VerificationMacContent
	shortBytes      []byte

	cancelCode    CancelCode
	cancelledByUs bool

	engine *Engine
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CancelledWith returns the cancel code and whether we initiated the
// cancellation. Only meaningful in StateCancelled.
func (t *Transaction) CancelledWith() (CancelCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelCode, t.cancelledByUs
}

// start sends the opening message for an outgoing transaction.
func (t *Transaction) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateNone {
		return fmt.Errorf("verification: start in state %s", t.state)
	}
	sas, err := olm.NewSAS()
	if err != nil {
		return err
	}
	t.sas = sas
	t.startContent = &event.VerificationStartContent{
		FromDevice:                 t.engine.deviceID,
		Method:                     MethodSAS,
		TransactionID:              t.TransactionID,
		KeyAgreementProtocols:      []string{keyAgreementCurveHKDF},
		Hashes:                     []string{hashSHA256},
		MessageAuthenticationCodes: []string{olm.MACMethodHKDFSHA256, olm.MACMethodLongKDF},
		ShortAuthenticationString:  []string{sasDecimal, sasEmoji},
	}
	if err := t.send(event.VerificationMessage{
		Kind:          event.KindStart,
		TransactionID: t.TransactionID,
		Start:         t.startContent,
	}); err != nil {
		return err
	}
	t.state = StateStarted
	return nil
}

// deliver routes one ordered peer message into the state machine. Protocol
// violations cancel the transaction rather than returning an error; errors
// are reserved for local failures (store, transport).
func (t *Transaction) deliver(msg event.VerificationMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		t.engine.log.Debug("message after terminal state dropped",
			zap.String("transaction_id", t.TransactionID),
			zap.String("state", t.state.String()),
			zap.String("type", msg.Kind.String()))
		return nil
	}

	switch msg.Kind {
	case event.KindStart:
		return t.onStart(msg.Start)
	case event.KindAccept:
		return t.onAccept(msg.Accept)
	case event.KindKey:
		return t.onKey(msg.Key)
	case event.KindMac:
		return t.onMac(msg.Mac)
	case event.KindCancel:
		return t.onCancelled(msg.Cancel)
	case event.KindDone:
		// Informational. Both MACs already validated by the time the
		// peer sends done.
		return nil
	}
	return t.cancel(CancelUnexpectedMessage)
}

func (t *Transaction) onStart(start *event.VerificationStartContent) error {
	if t.state != StateNone || start == nil {
		return t.cancel(CancelUnexpectedMessage)
	}
	if start.Method != MethodSAS {
		return t.cancel(CancelUnknownMethod)
	}
	if !contains(start.KeyAgreementProtocols, keyAgreementCurveHKDF) ||
		!contains(start.Hashes, hashSHA256) ||
		!contains(start.MessageAuthenticationCodes, olm.MACMethodHKDFSHA256) {
		return t.cancel(CancelUnknownMethod)
	}
	if !contains(start.ShortAuthenticationString, sasDecimal) &&
		!contains(start.ShortAuthenticationString, sasEmoji) {
		return t.cancel(CancelUnknownMethod)
	}

	sas, err := olm.NewSAS()
	if err != nil {
		return err
	}
	t.sas = sas
	t.startContent = start

	pub, err := sas.PublicKey()
	if err != nil {
		return err
	}
	canonical, err := event.CanonicalStart(start)
	if err != nil {
		return t.cancel(CancelInvalidMessage)
	}
	t.macMethod = olm.MACMethodHKDFSHA256
	accept := &event.VerificationAcceptContent{
		TransactionID:             t.TransactionID,
		KeyAgreementProtocol:      keyAgreementCurveHKDF,
		Hash:                      hashSHA256,
		MessageAuthenticationCode: t.macMethod,
		ShortAuthenticationString: intersect(start.ShortAuthenticationString, []string{sasDecimal, sasEmoji}),
		Commitment:                olm.Commitment(pub, canonical),
	}
	if err := t.send(event.VerificationMessage{
		Kind:          event.KindAccept,
		TransactionID: t.TransactionID,
		Accept:        accept,
	}); err != nil {
		return err
	}
	t.state = StateAccepted
	return nil
}

func (t *Transaction) onAccept(accept *event.VerificationAcceptContent) error {
	if !t.weStarted || t.state != StateStarted || accept == nil {
		return t.cancel(CancelUnexpectedMessage)
	}
	if accept.KeyAgreementProtocol != keyAgreementCurveHKDF ||
		accept.Hash != hashSHA256 {
		return t.cancel(CancelUnknownMethod)
	}
	switch accept.MessageAuthenticationCode {
	case olm.MACMethodHKDFSHA256, olm.MACMethodLongKDF:
	default:
		return t.cancel(CancelUnknownMethod)
	}
	if accept.Commitment == "" {
		return t.cancel(CancelInvalidMessage)
	}
	t.macMethod = accept.MessageAuthenticationCode
	t.theirCommitment = accept.Commitment

	pub, err := t.sas.PublicKey()
	if err != nil {
		return err
	}
	if err := t.send(event.VerificationMessage{
		Kind:          event.KindKey,
		TransactionID: t.TransactionID,
		Key:           &event.VerificationKeyContent{TransactionID: t.TransactionID, Key: pub},
	}); err != nil {
		return err
	}
	t.state = StateKeySent
	return nil
}

func (t *Transaction) onKey(key *event.VerificationKeyContent) error {
	if key == nil || key.Key == "" {
		return t.cancel(CancelInvalidMessage)
	}
	switch {
	case t.weStarted && t.state == StateKeySent:
		// The responder committed to this key before seeing ours.
		canonical, err := event.CanonicalStart(t.startContent)
		if err != nil {
			return t.cancel(CancelInvalidMessage)
		}
		if olm.Commitment(key.Key, canonical) != t.theirCommitment {
			return t.cancel(CancelMismatchedCommitment)
		}
		t.theirKey = key.Key
		if err := t.sas.SetTheirPublicKey(key.Key); err != nil {
			return t.cancel(CancelInvalidMessage)
		}
		return t.computeShortCode()

	case !t.weStarted && t.state == StateAccepted:
		t.theirKey = key.Key
		if err := t.sas.SetTheirPublicKey(key.Key); err != nil {
			return t.cancel(CancelInvalidMessage)
		}
		pub, err := t.sas.PublicKey()
		if err != nil {
			return err
		}
		if err := t.send(event.VerificationMessage{
			Kind:          event.KindKey,
			TransactionID: t.TransactionID,
			Key:           &event.VerificationKeyContent{TransactionID: t.TransactionID, Key: pub},
		}); err != nil {
			return err
		}
		return t.computeShortCode()
	}
	return t.cancel(CancelUnexpectedMessage)
}

// computeShortCode derives the shared short-code bytes once both ephemeral
// keys are exchanged. Called with the lock held.
func (t *Transaction) computeShortCode() error {
	ourKey, err := t.sas.PublicKey()
	if err != nil {
		return err
	}
	var initiatorPart, responderPart string
	if t.weStarted {
		initiatorPart = t.engine.userID + "|" + t.engine.deviceID + "|" + ourKey
		responderPart = t.OtherUserID + "|" + t.OtherDeviceID + "|" + t.theirKey
	} else {
		initiatorPart = t.OtherUserID + "|" + t.OtherDeviceID + "|" + t.theirKey
		responderPart = t.engine.userID + "|" + t.engine.deviceID + "|" + ourKey
	}
	info := sasInfoPrefix + "|" + initiatorPart + "|" + responderPart + "|" + t.TransactionID
	b, err := t.sas.Bytes(info, 6)
	if err != nil {
		return err
	}
	t.shortBytes = b
	t.state = StateShortCodeReady
	t.notifyLocked()
	return nil
}

// DecimalCode returns the three-number short code. Valid from
// ShortCodeReady onward.
func (t *Transaction) DecimalCode() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shortBytes == nil {
		return "", fmt.Errorf("verification: short code not ready")
	}
	return decimalCode(t.shortBytes)
}

// EmojiCode returns the seven-emoji short code. Valid from ShortCodeReady
// onward.
func (t *Transaction) EmojiCode() ([]Emoji, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shortBytes == nil {
		return nil, fmt.Errorf("verification: short code not ready")
	}
	return emojiCode(t.shortBytes)
}

// ConfirmMatch is the local user asserting the short codes match. Sends our
// MACs; completes immediately if the peer's MAC already arrived.
func (t *Transaction) ConfirmMatch() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateShortCodeReady {
		return fmt.Errorf("verification: confirm in state %s", t.state)
	}
	t.state = StateShortCodeAccepted

	mac, err := t.buildMac()
	if err != nil {
		return err
	}
	if err := t.send(event.VerificationMessage{
		Kind:          event.KindMac,
		TransactionID: t.TransactionID,
		Mac:           mac,
	}); err != nil {
		return err
	}
	t.state = StateMacSent
	if t.theirMac != nil {
		return t.verifyMacs()
	}
	return nil
}

// ShortCodeDoesNotMatch is the local user rejecting the displayed codes.
func (t *Transaction) ShortCodeDoesNotMatch() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	return t.cancel(CancelMismatchedSas)
}

// Cancel aborts the transaction on the local user's behalf.
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	return t.cancel(CancelUser)
}

func (t *Transaction) onMac(mac *event.VerificationMacContent) error {
	if mac == nil || mac.Keys == "" || len(mac.Mac) == 0 {
		return t.cancel(CancelInvalidMessage)
	}
	switch t.state {
	case StateShortCodeReady, StateShortCodeAccepted:
		// Peer confirmed first; hold their MAC until the local user does.
		t.theirMac = mac
		return nil
	case StateMacSent:
		t.theirMac = mac
		return t.verifyMacs()
	}
	return t.cancel(CancelUnexpectedMessage)
}

// buildMac computes the MACs of our device fingerprint (and master key,
// when one exists) for the peer. Called with the lock held.
func (t *Transaction) buildMac() (*event.VerificationMacContent, error) {
	baseInfo := macInfoPrefix +
		t.engine.userID + t.engine.deviceID +
		t.OtherUserID + t.OtherDeviceID +
		t.TransactionID

	keys := map[string]string{}
	fingerprint, err := t.engine.ownFingerprint()
	if err != nil {
		return nil, err
	}
	keys["ed25519:"+t.engine.deviceID] = fingerprint

	if identity, err := t.engine.store.GetCrossSigningIdentity(t.engine.userID); err == nil &&
		identity != nil && identity.MasterKey != nil {
		msk := identity.MasterKey.PublicKey
		keys["ed25519:"+msk] = msk
	}

	macs := make(map[string]string, len(keys))
	keyIDs := make([]string, 0, len(keys))
	for keyID, value := range keys {
		m, err := t.sas.CalculateMAC(t.macMethod, value, baseInfo+keyID)
		if err != nil {
			return nil, err
		}
		macs[keyID] = m
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	keyIDsMac, err := t.sas.CalculateMAC(t.macMethod, strings.Join(keyIDs, ","), baseInfo+"KEY_IDS")
	if err != nil {
		return nil, err
	}
	return &event.VerificationMacContent{
		TransactionID: t.TransactionID,
		Mac:           macs,
		Keys:          keyIDsMac,
	}, nil
}

// verifyMacs validates the peer's MACs and finishes the handshake. Called
// with the lock held, from MacSent.
func (t *Transaction) verifyMacs() error {
	t.state = StateVerifying

	baseInfo := macInfoPrefix +
		t.OtherUserID + t.OtherDeviceID +
		t.engine.userID + t.engine.deviceID +
		t.TransactionID

	keyIDs := make([]string, 0, len(t.theirMac.Mac))
	for keyID := range t.theirMac.Mac {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	expectedKeys, err := t.sas.CalculateMAC(t.macMethod, strings.Join(keyIDs, ","), baseInfo+"KEY_IDS")
	if err != nil {
		return err
	}
	if expectedKeys != t.theirMac.Keys {
		return t.cancel(CancelMismatchedKeys)
	}

	verifiedDevice := false
	verifiedMaster := false
	for keyID, theirValue := range t.theirMac.Mac {
		value, kind, err := t.engine.lookupPeerKey(t.OtherUserID, t.OtherDeviceID, keyID)
		if err != nil {
			return err
		}
		if kind == peerKeyUnknown {
			t.engine.log.Info("mac for unknown key skipped",
				zap.String("transaction_id", t.TransactionID),
				zap.String("key_id", keyID))
			continue
		}
		expected, err := t.sas.CalculateMAC(t.macMethod, value, baseInfo+keyID)
		if err != nil {
			return err
		}
		if expected != theirValue {
			return t.cancel(CancelMismatchedKeys)
		}
		switch kind {
		case peerKeyDevice:
			verifiedDevice = true
		case peerKeyMaster:
			verifiedMaster = true
		}
	}
	if !verifiedDevice {
		return t.cancel(CancelMismatchedKeys)
	}

	if err := t.engine.markVerified(t.OtherUserID, t.OtherDeviceID, verifiedMaster); err != nil {
		return err
	}
	if err := t.send(event.VerificationMessage{
		Kind:          event.KindDone,
		TransactionID: t.TransactionID,
	}); err != nil {
		return err
	}
	t.state = StateVerified
	if err := t.engine.store.MarkVerificationFinished(
		t.TransactionID, store.VerificationOutcomeDone); err != nil {
		t.engine.log.Warn("verification marker", zap.Error(err))
	}
	t.release()
	t.notifyLocked()
	return nil
}

func (t *Transaction) onCancelled(cancel *event.VerificationCancelContent) error {
	code := CancelUser
	if cancel != nil && cancel.Code != "" {
		code = CancelCode(cancel.Code)
	}
	t.state = StateCancelled
	t.cancelCode = code
	t.cancelledByUs = false
	if err := t.engine.store.MarkVerificationFinished(
		t.TransactionID, store.VerificationOutcomeCancelled); err != nil {
		t.engine.log.Warn("verification marker", zap.Error(err))
	}
	t.release()
	t.notifyLocked()
	return nil
}

// cancel moves to Cancelled and tells the peer. Called with the lock held.
func (t *Transaction) cancel(code CancelCode) error {
	t.state = StateCancelled
	t.cancelCode = code
	t.cancelledByUs = true
	if err := t.engine.store.MarkVerificationFinished(
		t.TransactionID, store.VerificationOutcomeCancelled); err != nil {
		t.engine.log.Warn("verification marker", zap.Error(err))
	}
	err := t.send(event.VerificationMessage{
		Kind:          event.KindCancel,
		TransactionID: t.TransactionID,
		Cancel: &event.VerificationCancelContent{
			TransactionID: t.TransactionID,
			Code:          string(code),
			Reason:        code.Reason(),
		},
	})
	t.release()
	t.notifyLocked()
	return err
}

// notifyLocked snapshots the current state for listeners. Called with the
// lock held.
func (t *Transaction) notifyLocked() {
	t.engine.notify(Update{
		Transaction:   t,
		OtherUserID:   t.OtherUserID,
		OtherDeviceID: t.OtherDeviceID,
		TransactionID: t.TransactionID,
		State:         t.state,
		CancelCode:    t.cancelCode,
	})
}

func (t *Transaction) send(msg event.VerificationMessage) error {
	return t.engine.sender.SendVerification(t.OtherUserID, t.OtherDeviceID, msg)
}

// release frees the ephemeral key material. Called with the lock held, on
// entering a terminal state.
func (t *Transaction) release() {
	if t.sas != nil {
		t.sas.Release()
		t.sas = nil
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	var out []string
	for _, s := range b {
		if contains(a, s) {
			out = append(out, s)
		}
	}
	return out
}
