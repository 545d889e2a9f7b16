package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskExecutionPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, ScopeUser, Task{Scope: ScopeUser}.ExecutionPath())
	require.Equal(t, ScopeUser, Task{Scope: ScopeSystem, OwnerUserID: "u1"}.ExecutionPath())
	require.Equal(t, ScopeSystem, Task{Scope: ScopeSystem}.ExecutionPath())
	require.Equal(t, ScopeSystem, Task{}.ExecutionPath())
}

func TestPriorityForTarget(t *testing.T) {
	t.Parallel()

	tests := map[int]Priority{1: PriorityLow, 2: PriorityLow, 3: PriorityNormal, 4: PriorityHigh, 5: PriorityHigh}
	for in, want := range tests {
		require.Equal(t, want, PriorityForTarget(in), "priority %d", in)
	}
}

func TestPayloadEnvelopePreservesVariant(t *testing.T) {
	t.Parallel()

	raw, err := EncodePayload(AccountTimeline{Handle: "@news", MaxPosts: 40})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ACCOUNT_TIMELINE","data":{"handle":"@news","max_posts":40}}`, string(raw))

	p, err := DecodePayload(raw)
	require.NoError(t, err)
	require.Equal(t, AccountTimeline{Handle: "@news", MaxPosts: 40}, p)
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload([]byte(`{"type":"MYSTERY","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownPayload)
}

func TestSelectionErrorMapsToErrorCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, CodeSessionInvalid, (&SelectionError{Reason: ReasonSessionInvalid}).ErrorCode())
	require.Equal(t, CodeAllSessionsInvalid, (&SelectionError{Reason: ReasonAllSessionsInvalid}).ErrorCode())
	require.Equal(t, CodeDecryptFailed, (&SelectionError{Reason: ReasonCredentialsRejected}).ErrorCode())
	require.Contains(t, (&SelectionError{Reason: ReasonNoAccounts, AccountID: "a1"}).Error(), "NO_ACCOUNTS")
}

func TestClampRisk(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, ClampRisk(-5))
	require.Equal(t, 100, ClampRisk(140))
	require.Equal(t, 42, ClampRisk(42))
}
