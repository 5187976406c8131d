package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify_PostsContentPayload(t *testing.T) {
	var received map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "download finished"))

	assert.Equal(t, map[string]string{"content": "download finished"}, received)
}

func TestNotify_NonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	n := NewDiscordNotifier(srv.URL)
	assert.Error(t, n.Notify(context.Background(), "x"))
}

func TestNotify_EmptyWebhookURL(t *testing.T) {
	n := NewDiscordNotifier("")
	assert.Error(t, n.Notify(context.Background(), "x"))
}
