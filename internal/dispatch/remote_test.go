package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"timeflow/internal/domain"
)

func TestHTTPRemoteDeliver(t *testing.T) {
	task := domain.Task{
		ID:         1,
		EntityType: domain.EntityTimeEntryStart,
		Payload:    []byte(`{"action":"start"}`),
		CreatedAt:  time.Now(),
	}

	t.Run("success", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		remote := NewHTTPRemote(srv.URL, "secret")
		require.NoError(t, remote.Deliver(context.Background(), task))
		require.Equal(t, "Bearer secret", gotAuth)
	})

	t.Run("rejection carries the server message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown project", http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		remote := NewHTTPRemote(srv.URL, "")
		err := remote.Deliver(context.Background(), task)
		require.ErrorIs(t, err, domain.ErrRemoteRejected)
		require.Contains(t, err.Error(), "unknown project")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // nothing listening anymore

		remote := NewHTTPRemote(srv.URL, "")
		err := remote.Deliver(context.Background(), task)
		require.ErrorIs(t, err, domain.ErrNetworkUnreachable)
	})

	t.Run("timeout counts as network failure class", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer func() { close(block); srv.Close() }()

		remote := NewHTTPRemote(srv.URL, "")
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := remote.Deliver(ctx, task)
		require.ErrorIs(t, err, domain.ErrTimeout)
	})
}
