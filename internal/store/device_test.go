package store

import "testing"

func TestPutDevicePreservesTrustFlags(t *testing.T) {
	s := tempStore(t)
	dev := DeviceIdentity{
		UserID:      "@bob:example.org",
		DeviceID:    "BOBDEV",
		IdentityKey: "curvekey",
		SigningKey:  "edkey",
	}
	if err := s.PutDevice(dev); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDeviceTrust(dev.UserID, dev.DeviceID, true, true); err != nil {
		t.Fatal(err)
	}

	// A key-query refresh must not clear the trust established before.
	dev.DisplayName = "new name"
	if err := s.PutDevice(dev); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice(dev.UserID, dev.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LocallyVerified || !got.CrossSignedVerified {
		t.Fatalf("trust lost on refresh: %+v", got)
	}
	if got.DisplayName != "new name" {
		t.Fatalf("display name = %q", got.DisplayName)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := tempStore(t)
	if err := s.PutDevice(DeviceIdentity{UserID: "@bob:example.org", DeviceID: "BOBDEV"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice("@bob:example.org", "BOBDEV"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice("@bob:example.org", "BOBDEV")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("device should be deleted")
	}
}

func TestKnownUsers(t *testing.T) {
	s := tempStore(t)
	if err := s.PutDevice(DeviceIdentity{UserID: "@bob:example.org", DeviceID: "BOBDEV"}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreCrossSigningKeys("@carol:example.org",
		csKey("@carol:example.org", "master", "msk"),
		csKey("@carol:example.org", "self_signing", "ssk"), nil); err != nil {
		t.Fatal(err)
	}

	users, err := s.KnownUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "@bob:example.org" || users[1] != "@carol:example.org" {
		t.Fatalf("users = %v", users)
	}
}
