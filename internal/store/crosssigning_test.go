package store

import "testing"

func csKey(userID, usage, publicKey string) *CrossSigningKey {
	return &CrossSigningKey{
		UserID:    userID,
		Usages:    []string{usage},
		PublicKey: publicKey,
	}
}

func TestStoreCrossSigningKeysRoundTrip(t *testing.T) {
	s := tempStore(t)
	err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk1"),
		csKey(testUser, "self_signing", "ssk1"),
		csKey(testUser, "user_signing", "usk1"))
	if err != nil {
		t.Fatal(err)
	}

	id, err := s.GetCrossSigningIdentity(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if id == nil || id.MasterKey == nil || id.SelfSigningKey == nil || id.UserSigningKey == nil {
		t.Fatalf("identity incomplete: %+v", id)
	}
	if id.MasterKey.PublicKey != "msk1" {
		t.Fatalf("master = %s", id.MasterKey.PublicKey)
	}
}

func TestStoreCrossSigningKeysNilMasterDeletesIdentity(t *testing.T) {
	s := tempStore(t)
	if err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk1"),
		csKey(testUser, "self_signing", "ssk1"), nil); err != nil {
		t.Fatal(err)
	}

	// Absent master means cross-signing is disabled for the user.
	if err := s.StoreCrossSigningKeys(testUser, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	id, err := s.GetCrossSigningIdentity(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		t.Fatal("identity should be deleted")
	}
}

func TestMasterKeyChangeResetsLocalTrust(t *testing.T) {
	s := tempStore(t)

	for _, dev := range []DeviceIdentity{
		{UserID: testUser, DeviceID: testDevice, SigningKey: "fp1"},
		{UserID: testUser, DeviceID: "OTHERDEV", SigningKey: "fp2"},
	} {
		if err := s.PutDevice(dev); err != nil {
			t.Fatal(err)
		}
	}
	for _, dev := range []string{testDevice, "OTHERDEV"} {
		if err := s.SetDeviceTrust(testUser, dev, true, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.StorePrivateKey(SlotMaster, []byte("seed")); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk1"),
		csKey(testUser, "self_signing", "ssk1"), nil); err != nil {
		t.Fatal(err)
	}

	// New master key value: private material purged, devices reset.
	if err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk2"),
		csKey(testUser, "self_signing", "ssk1"), nil); err != nil {
		t.Fatal(err)
	}

	seed, err := s.GetPrivateKey(SlotMaster)
	if err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		t.Fatal("master private key survived key change")
	}

	other, err := s.GetDevice(testUser, "OTHERDEV")
	if err != nil {
		t.Fatal(err)
	}
	if other.LocallyVerified || other.CrossSignedVerified {
		t.Fatalf("other device trust not reset: %+v", other)
	}

	// The acting device keeps its local flag, loses cross-signing.
	own, err := s.GetDevice(testUser, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if !own.LocallyVerified {
		t.Fatal("acting device lost local verification")
	}
	if own.CrossSignedVerified {
		t.Fatal("acting device kept cross-signing flag")
	}
}

func TestUnchangedMasterKeyKeepsTrustAndPrivateKeys(t *testing.T) {
	s := tempStore(t)
	if err := s.StorePrivateKey(SlotMaster, []byte("seed")); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk1"),
		csKey(testUser, "self_signing", "ssk1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMasterKeyTrusted(testUser, true); err != nil {
		t.Fatal(err)
	}

	// Same keys stored again, e.g. after a key query refresh.
	if err := s.StoreCrossSigningKeys(testUser,
		csKey(testUser, "master", "msk1"),
		csKey(testUser, "self_signing", "ssk1"), nil); err != nil {
		t.Fatal(err)
	}

	id, err := s.GetCrossSigningIdentity(testUser)
	if err != nil {
		t.Fatal(err)
	}
	if !id.MasterKey.Trusted {
		t.Fatal("master trust lost on refresh")
	}
	seed, err := s.GetPrivateKey(SlotMaster)
	if err != nil {
		t.Fatal(err)
	}
	if seed == nil {
		t.Fatal("private key lost on refresh")
	}
}

func TestPrivateKeySlots(t *testing.T) {
	s := tempStore(t)
	if err := s.StorePrivateKey(SlotSelfSigning, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	seed, err := s.GetPrivateKey(SlotSelfSigning)
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) != 3 || seed[0] != 1 {
		t.Fatalf("seed = %v", seed)
	}
	missing, err := s.GetPrivateKey(SlotUserSigning)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for empty slot")
	}
}
