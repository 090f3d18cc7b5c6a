package olm

import (
	"bytes"
	"testing"
)

func pairedSAS(t *testing.T) (*SAS, *SAS) {
	t.Helper()
	alice, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	alicePub, err := alice.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	bobPub, err := bob.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.SetTheirPublicKey(bobPub); err != nil {
		t.Fatal(err)
	}
	if err := bob.SetTheirPublicKey(alicePub); err != nil {
		t.Fatal(err)
	}
	return alice, bob
}

func TestSASBytesAgreement(t *testing.T) {
	alice, bob := pairedSAS(t)

	const info = "SHORT_CODE|@alice:x|A|@bob:x|B|txid"
	a, err := alice.Bytes(info, 6)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bob.Bytes(info, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("derived bytes differ: %x vs %x", a, b)
	}
	if len(a) != 6 {
		t.Fatalf("len = %d, want 6", len(a))
	}

	other, err := alice.Bytes(info+"2", 6)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, other) {
		t.Fatal("different info produced identical bytes")
	}
}

func TestSASBytesWithoutPeerKey(t *testing.T) {
	s, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Bytes("info", 6); err == nil {
		t.Fatal("want error before key agreement")
	}
	if _, err := s.CalculateMAC(MACMethodHKDFSHA256, "msg", "info"); err == nil {
		t.Fatal("want mac error before key agreement")
	}
}

func TestSASCalculateMACAgreement(t *testing.T) {
	alice, bob := pairedSAS(t)

	for _, method := range []string{MACMethodHKDFSHA256, MACMethodLongKDF} {
		a, err := alice.CalculateMAC(method, "ed25519:DEVICE key", "MAC|info")
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		b, err := bob.CalculateMAC(method, "ed25519:DEVICE key", "MAC|info")
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if a != b {
			t.Fatalf("%s: macs differ", method)
		}
	}

	short, err := alice.CalculateMAC(MACMethodHKDFSHA256, "m", "i")
	if err != nil {
		t.Fatal(err)
	}
	long, err := alice.CalculateMAC(MACMethodLongKDF, "m", "i")
	if err != nil {
		t.Fatal(err)
	}
	if short == long {
		t.Fatal("both methods produced the same mac")
	}
}

func TestSASUnknownMACMethod(t *testing.T) {
	alice, _ := pairedSAS(t)
	if _, err := alice.CalculateMAC("hmac-md5", "m", "i"); err == nil {
		t.Fatal("want error for unknown method")
	}
}

func TestSASBadPeerKey(t *testing.T) {
	s, err := NewSAS()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetTheirPublicKey("not base64!!"); err == nil {
		t.Fatal("want decode error")
	}
	if err := s.SetTheirPublicKey("AAAA"); err == nil {
		t.Fatal("want length error")
	}
}

func TestSASReleasedRefusesUse(t *testing.T) {
	alice, _ := pairedSAS(t)
	alice.Release()
	if _, err := alice.PublicKey(); err != ErrReleased {
		t.Fatalf("public key after release = %v, want ErrReleased", err)
	}
	if _, err := alice.Bytes("info", 6); err != ErrReleased {
		t.Fatalf("bytes after release = %v, want ErrReleased", err)
	}
}

func TestCommitmentDeterministic(t *testing.T) {
	c1 := Commitment("pubkey", []byte(`{"method":"m.sas.v1"}`))
	c2 := Commitment("pubkey", []byte(`{"method":"m.sas.v1"}`))
	if c1 != c2 {
		t.Fatal("commitment not deterministic")
	}
	if c1 == Commitment("otherkey", []byte(`{"method":"m.sas.v1"}`)) {
		t.Fatal("commitment ignores public key")
	}
	if c1 == Commitment("pubkey", []byte(`{}`)) {
		t.Fatal("commitment ignores start payload")
	}
}
