package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	p := &Profile{}
	p.FromEnv()

	assert.True(t, p.FeaturePanic, "panic flow should be enabled by default")
	assert.True(t, p.SchedulerEnabled)
	assert.False(t, p.AllowOnlyWhitelist)
	assert.Equal(t, 25, p.RingTimeoutSec)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 60, p.RetryBackoffSec)
	assert.Equal(t, 120, p.ReminderIntervalSec)
	assert.Equal(t, 180, p.MaxTotalRingSec)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://app@localhost:5432/protectogram?sslmode=disable")
	t.Setenv("APP_ENV", "staging")
	t.Setenv("CHAT_BOT_TOKEN", "123:abc")
	t.Setenv("FEATURE_PANIC", "false")
	t.Setenv("DEFAULT_RING_TIMEOUT_SEC", "10")
	t.Setenv("ALLOWED_E164_NUMBERS", "+79001234567, +79007654321")
	t.Setenv("ALLOWED_CHAT_IDS", "100, 200, bogus")
	t.Setenv("VOICE_FROM_NUMBER", "+79990000001")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "postgres://app@localhost:5432/protectogram?sslmode=disable", p.DSN)
	assert.Equal(t, "staging", p.Mode)
	assert.Equal(t, "123:abc", p.ChatBotToken)
	assert.False(t, p.FeaturePanic)
	assert.Equal(t, 10, p.RingTimeoutSec)
	assert.Equal(t, []string{"+79001234567", "+79007654321"}, p.AllowedE164Numbers)
	assert.Equal(t, []int64{100, 200}, p.AllowedChatIDs, "malformed ids are dropped")
	assert.Equal(t, "+79990000001", p.VoiceFromNumber)
}

func TestValidate(t *testing.T) {
	base := func() *Profile {
		p := &Profile{Driver: "sqlite", Data: ".", Mode: "development"}
		p.FromEnv()
		return p
	}

	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr string
	}{
		{
			name:   "sqlite dev profile is valid",
			mutate: func(*Profile) {},
		},
		{
			name:    "unknown driver rejected",
			mutate:  func(p *Profile) { p.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "postgres without dsn rejected",
			mutate:  func(p *Profile) { p.Driver = "postgres"; p.DSN = "" },
			wantErr: "DATABASE_URL",
		},
		{
			name: "production requires admin key",
			mutate: func(p *Profile) {
				p.Mode = "production"
				p.Driver = "postgres"
				p.DSN = "postgres://localhost/protectogram"
				p.ChatBotToken = "123:abc"
				p.ChatWebhookSecret = "s3cr3t"
				p.InstanceURL = "https://protectogram.example.com"
			},
			wantErr: "ADMIN_KEY",
		},
		{
			name: "staging requires chat credentials when panic is on",
			mutate: func(p *Profile) {
				p.Mode = "staging"
				p.Driver = "postgres"
				p.DSN = "postgres://localhost/protectogram"
			},
			wantErr: "CHAT_BOT_TOKEN",
		},
		{
			name:    "zero ring timeout rejected",
			mutate:  func(p *Profile) { p.RingTimeoutSec = 0 },
			wantErr: "timing values",
		},
		{
			name:    "malformed voice from number rejected",
			mutate:  func(p *Profile) { p.VoiceFromNumber = "not-a-number" },
			wantErr: "VOICE_FROM_NUMBER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateModeAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dev", "development"},
		{"prod", "production"},
		{"stage", "staging"},
		{"test", "test"},
		{"bogus", "development"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p := &Profile{Driver: "sqlite", Data: ".", Mode: tt.in, AdminKey: "k"}
			p.FromEnv()
			p.Mode = tt.in
			p.ChatBotToken = "123:abc"
			p.ChatWebhookSecret = "s"
			p.InstanceURL = "https://protectogram.example.com"
			require.NoError(t, p.Validate())
			assert.Equal(t, tt.want, p.Mode)
		})
	}
}
