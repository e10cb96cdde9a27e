package relayjournal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckRouterDispatchesByTransport(t *testing.T) {
	router := NewAckRouter()
	var got []SourceRef
	router.Register("Telegram", AcknowledgerFunc(func(_ context.Context, ref SourceRef) error {
		got = append(got, ref)
		return nil
	}))
	router.Register("", NoopAcknowledger)
	router.Register("spool", nil)

	ref := SourceRef{Transport: "telegram", Chat: "42", Message: "7"}
	require.NoError(t, router.Acknowledge(context.Background(), ref))
	assert.Equal(t, []SourceRef{ref}, got)
	assert.Equal(t, []string{"telegram"}, router.Transports())
}

func TestAckRouterUnknownTransportIsAnError(t *testing.T) {
	router := NewAckRouter()
	err := router.Acknowledge(context.Background(), SourceRef{Transport: "fax", Message: "1"})
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), "fax:1")
}

func TestWhitelist(t *testing.T) {
	open := NewWhitelist(nil)
	assert.True(t, open.Empty())
	assert.True(t, open.Allows("anyone"))

	closed := NewWhitelist([]string{" 42 ", "", "alice"})
	assert.False(t, closed.Empty())
	assert.True(t, closed.Allows("42"))
	assert.True(t, closed.Allows("alice"))
	assert.False(t, closed.Allows("mallory"))
}

func TestPendingMessageEntryAndValidate(t *testing.T) {
	msg := testMessage(t, "m1", "2024-03-15T23:30:00Z", "hi")
	require.NoError(t, msg.Validate())
	assert.Equal(t, "2024-03-15", msg.Entry(nil).Timestamp.Format("2006-01-02"))

	msg.Text = " \n "
	assert.ErrorIs(t, msg.Validate(), ErrInvalidInput)

	fresh := NewPendingMessage(SourceRef{Transport: "cli"}, "", "x", testMessage(t, "x", "2024-01-01T00:00:00Z", "x").Timestamp)
	assert.NotEmpty(t, fresh.ID)
	assert.False(t, fresh.ReceivedAt.IsZero())
}
