package job

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, handler http.HandlerFunc) (*Runner, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	runner := New(Config{
		BaseURL:    srv.URL,
		Token:      func() string { return "s3cr3t" },
		MaxRetries: 2,
	})
	return runner, srv
}

func TestRunnerWhoAmISuccess(t *testing.T) {
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer s3cr3t", r.Header.Get("Authorization"))
		require.Equal(t, "/_matrix/client/v3/account/whoami", r.URL.Path)
		w.Write([]byte(`{"user_id":"@alice:example.org","device_id":"DEVICE1"}`))
	})

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	result, err := handle.Wait(context.Background())
	require.NoError(t, err)

	resp, ok := result.(WhoAmIResponse)
	require.True(t, ok)
	require.Equal(t, "@alice:example.org", resp.UserID)
	require.Equal(t, "DEVICE1", resp.DeviceID)
	require.True(t, handle.Done())
}

func TestRunnerUnauthorisedIsNotRetried(t *testing.T) {
	attempts := 0
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	_, err := handle.Wait(context.Background())
	require.Error(t, err)
	require.True(t, mxerr.IsUnauthorised(err))
	require.Equal(t, 1, attempts)
}

func TestRunnerNotFound(t *testing.T) {
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	_, err := handle.Wait(context.Background())
	require.Error(t, err)
}

func TestRunnerRetriesServerErrorsThenSucceeds(t *testing.T) {
	attempts := 0
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"user_id":"@alice:example.org"}`))
	})

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	result, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	resp := result.(WhoAmIResponse)
	require.Equal(t, "@alice:example.org", resp.UserID)
}

func TestRunnerExhaustsRetriesAndFails(t *testing.T) {
	attempts := 0
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	})

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	_, err := handle.Wait(context.Background())
	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial attempt + MaxRetries(2)
}

func TestRunnerAbandonAllCancelsPending(t *testing.T) {
	block := make(chan struct{})
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{}`))
	})
	defer close(block)

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Background)
	runner.AbandonAll()

	_, err := handle.Wait(context.Background())
	require.Error(t, err)
}

func TestSetBaseURL(t *testing.T) {
	runner := New(Config{BaseURL: "https://matrix.example.org"})
	require.Equal(t, "https://matrix.example.org", runner.BaseURL())
	runner.SetBaseURL("https://matrix.other.org")
	require.Equal(t, "https://matrix.other.org", runner.BaseURL())
}

func TestHandleWaitRespectsContextCancellation(t *testing.T) {
	runner, _ := newTestRunner(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	handle := runner.Run(context.Background(), NewWhoAmIJob(), Foreground)
	_, err := handle.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
