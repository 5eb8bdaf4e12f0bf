package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n interfaces.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func TestLogNotifier_RedactsPayload(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	n := NewLogNotifier(log, "token")
	err := n.Notify(context.Background(), interfaces.Notification{
		Kind:      interfaces.EventGuardianInvited,
		UserID:    "user-1",
		Recipient: "alice@example.com",
		Payload:   map[string]string{"token": "secret-token", "displayName": "Alice"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "guardian_invited")
	assert.Contains(t, out, "payload.displayName=Alice")
	assert.Contains(t, out, "[redacted]")
	assert.NotContains(t, out, "secret-token")
}

func TestMulti(t *testing.T) {
	ok := new(MockNotifier)
	failing := new(MockNotifier)
	msg := interfaces.Notification{Kind: interfaces.EventRecoveryInitiated, UserID: "user-1"}

	ok.On("Notify", mock.Anything, msg).Return(nil)
	failing.On("Notify", mock.Anything, msg).Return(errors.New("smtp down"))

	err := Multi{failing, ok}.Notify(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")

	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}

func TestSend_SwallowsErrors(t *testing.T) {
	failing := new(MockNotifier)
	failing.On("Notify", mock.Anything, mock.Anything).Return(errors.New("unreachable"))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	Send(context.Background(), log, failing, interfaces.Notification{Kind: interfaces.EventRecoveryDisputed})
	Send(context.Background(), log, nil, interfaces.Notification{})

	failing.AssertNumberOfCalls(t, "Notify", 1)
	assert.NoError(t, Nop{}.Notify(context.Background(), interfaces.Notification{}))
}
