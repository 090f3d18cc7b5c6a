package store

import "testing"

func TestRoomSettingsRoundTrip(t *testing.T) {
	s := tempStore(t)

	got, err := s.GetRoomSettings("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("unknown room must return nil settings")
	}

	settings := RoomSettings{
		RoomID:              "!room:example.org",
		Algorithm:           "m.megolm.v1.aes-sha2",
		EncryptForInvited:   true,
		ShareHistory:        true,
		BlacklistUnverified: false,
	}
	if err := s.SetRoomSettings(settings); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRoomSettings("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != settings {
		t.Fatalf("settings = %+v, want %+v", got, settings)
	}

	// Whole-record replace.
	settings.ShareHistory = false
	settings.BlacklistUnverified = true
	if err := s.SetRoomSettings(settings); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRoomSettings("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != settings {
		t.Fatalf("settings after replace = %+v", got)
	}
}
