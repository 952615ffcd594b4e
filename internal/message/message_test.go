package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []Item{
		{Recipient: "+15551234567", Body: "Hello"},
		{Recipient: "+27829274009", Body: "New query from website visitor (+4915112345678):\n\nhi | there"},
		{Recipient: "+15551234567", Body: ""},
		{Recipient: "+15551234567", Body: "unicode ✓ ünïcode"},
	}
	for _, it := range cases {
		got, err := Parse(Format(it))
		require.NoError(t, err)
		assert.Equal(t, it, got)
	}
}

func TestParseSplitsOnFirstSeparator(t *testing.T) {
	t.Parallel()
	got, err := Parse([]byte("+15551234567||a||b|c"))
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", got.Recipient)
	assert.Equal(t, "a||b|c", got.Body)
}

func TestParseTrimsRecipient(t *testing.T) {
	t.Parallel()
	got, err := Parse([]byte("  +15551234567 ||  keep spaces "))
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", got.Recipient)
	assert.Equal(t, "  keep spaces ", got.Body)
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"not-a-valid-item", "", "+1555|single", "   ||body"} {
		_, err := Parse([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformed), "raw %q", raw)
	}
}

func TestValidRecipient(t *testing.T) {
	t.Parallel()
	valid := []string{"+15551234567", "+1234567", "+123456789012345"}
	invalid := []string{"15551234567", "+0123456789", "+123456", "+1234567890123456", "+1555 123 4567", "", "+"}
	for _, s := range valid {
		assert.True(t, ValidRecipient(s), s)
	}
	for _, s := range invalid {
		assert.False(t, ValidRecipient(s), s)
	}
}
