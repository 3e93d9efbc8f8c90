package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "notification-monitor", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"name":"o1"}`))
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(time.Second)

	var out struct{ Name string }
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	require.NoError(t, client.DoJSON(req, &out))
	assert.Equal(t, "o1", out.Name)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/busy", nil)
	err := client.DoJSON(req, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "slow down", statusErr.Body)
	assert.True(t, statusErr.Transient())

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/bad", nil)
	err = client.DoJSON(req, nil)
	require.ErrorAs(t, err, &statusErr)
	assert.False(t, statusErr.Transient())
}
