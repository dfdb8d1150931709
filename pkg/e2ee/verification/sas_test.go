package verification

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionHappyPathTransitions(t *testing.T) {
	s := NewSession("@bob:example.org", "DEVICEBOB", "txn1")
	require.Equal(t, StateCreated, s.State)

	require.NoError(t, s.MarkRequested())
	require.Equal(t, StateRequested, s.State)

	require.NoError(t, s.MarkReady())
	require.Equal(t, StateReady, s.State)

	require.NoError(t, s.Start("m.sas.v1"))
	require.Equal(t, StateTransitioned, s.State)
	require.Equal(t, SASStarted, s.SAS)

	require.NoError(t, s.Accept("hkdf-hmac-sha256.v2", "commitment-hash"))
	require.Equal(t, SASAccepted, s.SAS)

	require.NoError(t, s.ExchangeKeys("our-key", "their-key"))
	require.Equal(t, SASKeysExchanged, s.SAS)

	require.NoError(t, s.Confirm())
	require.Equal(t, SASConfirmed, s.SAS)

	require.NoError(t, s.CompleteMAC())
	require.Equal(t, SASDone, s.SAS)
	require.Equal(t, StateDone, s.State)
	require.True(t, s.IsTerminal())
}

func TestSessionRejectsOutOfOrderTransitions(t *testing.T) {
	s := NewSession("@bob:example.org", "DEVICEBOB", "txn1")
	require.ErrorIs(t, s.MarkReady(), ErrInvalidTransition)
	require.ErrorIs(t, s.Start("m.sas.v1"), ErrInvalidTransition)

	require.NoError(t, s.MarkRequested())
	require.ErrorIs(t, s.MarkRequested(), ErrInvalidTransition)
}

func TestSessionCancelDuringSASMarksSubstateCancelled(t *testing.T) {
	s := NewSession("@bob:example.org", "DEVICEBOB", "txn1")
	require.NoError(t, s.MarkRequested())
	require.NoError(t, s.MarkReady())
	require.NoError(t, s.Start("m.sas.v1"))

	s.Cancel("m.mismatched_sas")
	require.Equal(t, StateCancelled, s.State)
	require.Equal(t, SASCancelled, s.SAS)
	require.Equal(t, "m.mismatched_sas", s.CancelCode())
	require.True(t, s.IsTerminal())
}

func TestChooseMacPrefersMostPreferred(t *testing.T) {
	require.Equal(t, "hkdf-hmac-sha256.v2", chooseMac([]string{"hkdf-hmac-sha256", "hkdf-hmac-sha256.v2"}))
	require.Equal(t, "hkdf-hmac-sha256", chooseMac([]string{"hkdf-hmac-sha256"}))
	require.Equal(t, "some-unknown-mac", chooseMac([]string{"some-unknown-mac"}))
	require.Equal(t, "", chooseMac(nil))
}

func TestRegistryDispatchFullHandshake(t *testing.T) {
	r := NewRegistry()
	sender := "@bob:example.org"

	requestRaw, _ := json.Marshal(map[string]any{
		"transaction_id": "txn1", "from_device": "DEVICEBOB", "methods": []string{"m.sas.v1"},
	})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.request", requestRaw))

	s, ok := r.Get(sender, "txn1")
	require.True(t, ok)
	require.Equal(t, StateRequested, s.State)

	readyRaw, _ := json.Marshal(map[string]any{"transaction_id": "txn1"})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.ready", readyRaw))
	require.Equal(t, StateReady, s.State)

	startRaw, _ := json.Marshal(map[string]any{"transaction_id": "txn1", "method": "m.sas.v1"})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.start", startRaw))
	require.Equal(t, SASStarted, s.SAS)

	acceptRaw, _ := json.Marshal(map[string]any{
		"transaction_id": "txn1", "commitment": "hash",
		"message_authentication_codes": []string{"hkdf-hmac-sha256.v2"},
	})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.accept", acceptRaw))
	require.Equal(t, SASAccepted, s.SAS)

	keyRaw, _ := json.Marshal(map[string]any{"transaction_id": "txn1", "key": "their-ephemeral-key"})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.key", keyRaw))
	require.Equal(t, SASKeysExchanged, s.SAS)

	require.NoError(t, s.Confirm())

	macRaw, _ := json.Marshal(map[string]any{"transaction_id": "txn1", "mac": map[string]string{"ed25519:DEVICEBOB": "mac-value"}})
	require.NoError(t, r.Dispatch(sender, "m.key.verification.mac", macRaw))
	require.True(t, s.IsTerminal())
	require.Equal(t, StateDone, s.State)
}

func TestRegistryDispatchCancelUnknownSessionIsNotError(t *testing.T) {
	r := NewRegistry()
	cancelRaw, _ := json.Marshal(map[string]any{"transaction_id": "nope", "code": "m.unexpected_message"})
	require.NoError(t, r.Dispatch("@bob:example.org", "m.key.verification.cancel", cancelRaw))
}

func TestRegistryDispatchReadyUnknownSessionErrors(t *testing.T) {
	r := NewRegistry()
	readyRaw, _ := json.Marshal(map[string]any{"transaction_id": "nope"})
	err := r.Dispatch("@bob:example.org", "m.key.verification.ready", readyRaw)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistryStartWithoutPriorRequestBootstrapsSession(t *testing.T) {
	r := NewRegistry()
	startRaw, _ := json.Marshal(map[string]any{"transaction_id": "txn2", "from_device": "DEVICEBOB", "method": "m.sas.v1"})
	require.NoError(t, r.Dispatch("@bob:example.org", "m.key.verification.start", startRaw))

	s, ok := r.Get("@bob:example.org", "txn2")
	require.True(t, ok)
	require.Equal(t, SASStarted, s.SAS)
}

func TestRegistryForgetRemovesSession(t *testing.T) {
	r := NewRegistry()
	r.Begin("@bob:example.org", "DEVICEBOB", "txn1")
	r.Forget("@bob:example.org", "txn1")
	_, ok := r.Get("@bob:example.org", "txn1")
	require.False(t, ok)
}

func TestIsVerificationType(t *testing.T) {
	require.True(t, IsVerificationType("m.key.verification.request"))
	require.False(t, IsVerificationType("m.room.message"))
}
