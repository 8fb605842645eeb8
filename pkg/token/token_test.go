package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	rerrors "github.com/porthorian/rhombus/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueFormatParseRoundTrip(t *testing.T) {
	cases := []struct {
		login  string
		domain string
	}{
		{"alice", "labs"},
		{"bob", ""},
		{"carol@example.org", "example.org"},
	}

	for _, tc := range cases {
		issued, err := Issue(tc.login, tc.domain)
		require.NoError(t, err)

		parsed, err := Parse(Format(issued))
		require.NoError(t, err)

		assert.Equal(t, tc.login, parsed.Login)
		assert.Equal(t, tc.domain, parsed.Domain)
		assert.Len(t, parsed.Nonce, NonceBytes*2)
		assert.True(t, issued.IssuedAt.Equal(parsed.IssuedAt))
	}
}

func TestIssueUsesClockAndDistinctNonces(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	codec := Codec{Now: func() time.Time { return fixed }}

	first, err := codec.Issue("alice", "labs")
	require.NoError(t, err)
	second, err := codec.Issue("alice", "labs")
	require.NoError(t, err)

	assert.Equal(t, fixed, first.IssuedAt)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.Equal(t, "alice|labs|1714564800|"+first.Nonce, first.String())
}

func TestIssueRejectsBadInput(t *testing.T) {
	_, err := Issue("", "labs")
	assert.Error(t, err)

	_, err = Issue("al|ice", "labs")
	assert.Error(t, err)

	codec := Codec{Random: func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }}
	_, err = codec.Issue("alice", "labs")
	assert.Error(t, err)
}

func TestParseMalformed(t *testing.T) {
	inputs := []string{
		"",
		"alice|labs|123",
		"alice|labs|123|abc|extra",
		"alice|labs|yesterday|abc",
		"|labs|123|abc",
		"alice|labs|123|",
		"alice|labs|123|00112233445566778899aabbccddee",
		"alice|labs|123|00112233445566778899aabbccddeeff00",
		"alice|labs|123|zz112233445566778899aabbccddeeff",
	}

	for _, input := range inputs {
		_, err := Parse(input)
		var malformed *rerrors.MalformedTokenError
		assert.True(t, errors.As(err, &malformed), "input %q", input)
	}
}

func TestRedactHidesNonce(t *testing.T) {
	issued, err := Issue("alice", "labs")
	require.NoError(t, err)

	redacted := Redact(issued.String())
	assert.Equal(t, "alice|labs|***", redacted)
	assert.False(t, strings.Contains(redacted, issued.Nonce))
	assert.Equal(t, "<malformed>", Redact("garbage"))
}
