package trust

import "testing"

func TestShieldForTrust(t *testing.T) {
	tests := []struct {
		name            string
		isCurrentDevice bool
		trustsOwnMSK    bool
		legacyMode      bool
		level           Level
		want            Shield
	}{
		{
			name:            "current device legacy mode",
			isCurrentDevice: true,
			legacyMode:      true,
			want:            ShieldTrusted,
		},
		{
			name:            "current device trusted msk",
			isCurrentDevice: true,
			trustsOwnMSK:    true,
			want:            ShieldTrusted,
		},
		{
			name:            "current device untrusted msk",
			isCurrentDevice: true,
			want:            ShieldWarning,
		},
		{
			name:       "legacy locally verified",
			legacyMode: true,
			level:      Level{LocallyVerified: true},
			want:       ShieldTrusted,
		},
		{
			name:       "legacy unverified",
			legacyMode: true,
			want:       ShieldWarning,
		},
		{
			name:  "untrusted own msk is neutral",
			level: Level{CrossSigningVerified: true},
			want:  ShieldUnknown,
		},
		{
			name:         "cross signed",
			trustsOwnMSK: true,
			level:        Level{CrossSigningVerified: true},
			want:         ShieldTrusted,
		},
		{
			name:         "locally verified only",
			trustsOwnMSK: true,
			level:        Level{LocallyVerified: true},
			want:         ShieldDefault,
		},
		{
			name:         "unverified",
			trustsOwnMSK: true,
			want:         ShieldWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShieldForTrust(tt.isCurrentDevice, tt.trustsOwnMSK, tt.legacyMode, tt.level)
			if got != tt.want {
				t.Errorf("shield = %s, want %s", got, tt.want)
			}
		})
	}
}
