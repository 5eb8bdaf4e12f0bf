package flags

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"strings"
	"testing"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestParseSecrets(t *testing.T) {
	a := strings.Repeat("ab", 32)
	b := strings.Repeat("cd", 32)

	secrets, err := ParseSecrets(a)
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.Len(t, secrets[1], 32)

	secrets, err = ParseSecrets("1:" + a + ", 2:0x" + b)
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	assert.Equal(t, byte(0xcd), secrets[2][0])

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"bad hex", "1:zz"},
		{"bad version", "x:" + a},
		{"zero version", "0:" + a},
		{"duplicate version", "1:" + a + ",1:" + b},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSecrets(tt.value)
			assert.Error(t, err)
		})
	}
}

func TestConfigureNotifier(t *testing.T) {
	invite := interfaces.Notification{
		Kind:      interfaces.EventGuardianInvited,
		Recipient: "alice@example.com",
		Payload:   map[string]string{"token": "invite-secret", "ownerEmail": "owner@example.com"},
	}

	for _, logSecrets := range []bool{false, true} {
		set := flag.NewFlagSet("test", flag.ContinueOnError)
		set.Bool(NotifyLogSecretsFlag.Name, logSecrets, "")
		cCtx := cli.NewContext(cli.NewApp(), set, nil)

		var buf bytes.Buffer
		notifier := ConfigureNotifier(cCtx, slog.New(slog.NewTextHandler(&buf, nil)))
		require.NoError(t, notifier.Notify(context.Background(), invite))

		if logSecrets {
			assert.Contains(t, buf.String(), "invite-secret")
		} else {
			assert.NotContains(t, buf.String(), "invite-secret")
			assert.Contains(t, buf.String(), NotifyLogSecretsFlag.Name, "startup warning names the flag")
		}
		assert.Contains(t, buf.String(), "owner@example.com")
	}
}
