package store

import (
	"path/filepath"
	"testing"
)

const (
	testUser   = "@alice:example.org"
	testDevice = "ALICEDEV"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), testUser, testDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenClose(t *testing.T) {
	s := tempStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
	if s.UserID() != testUser || s.DeviceID() != testDevice {
		t.Fatalf("identity = %s/%s", s.UserID(), s.DeviceID())
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path, testUser, testDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetGlobalBlacklistUnverifiedDevices(true); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, testUser, testDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	blacklist, err := s.GlobalBlacklistUnverifiedDevices()
	if err != nil {
		t.Fatal(err)
	}
	if !blacklist {
		t.Fatal("blacklist flag lost across reopen")
	}
}

func TestOpenWipesOnIdentityMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path, testUser, testDevice, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutDevice(DeviceIdentity{
		UserID: testUser, DeviceID: testDevice, SigningKey: "fingerprint",
	}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Same file, different account: everything must be gone.
	s, err = Open(path, "@bob:example.org", "BOBDEV", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	dev, err := s.GetDevice(testUser, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if dev != nil {
		t.Fatal("device survived identity wipe")
	}
}

func TestGlobalBlacklistDefault(t *testing.T) {
	s := tempStore(t)
	blacklist, err := s.GlobalBlacklistUnverifiedDevices()
	if err != nil {
		t.Fatal(err)
	}
	if blacklist {
		t.Fatal("blacklist should default to off")
	}
}
