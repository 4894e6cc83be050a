package malware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "app.zip", r.Header.Get("X-File-Name"))
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "EICAR") {
			w.Write([]byte(`{"safe":false,"reason":"EICAR test signature"}`))
			return
		}
		w.Write([]byte(`{"safe":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	v, err := c.Scan(context.Background(), strings.NewReader("clean"), 5, "app.zip")
	require.NoError(t, err)
	assert.True(t, v.Safe)

	payload := "X5O!P%@AP-EICAR"
	v, err = c.Scan(context.Background(), strings.NewReader(payload), int64(len(payload)), "app.zip")
	require.NoError(t, err)
	assert.False(t, v.Safe)
	assert.Equal(t, "EICAR test signature", v.Reason)
}

func TestScanUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	c := NewClient(srv.URL, time.Second)

	_, err := c.Scan(context.Background(), strings.NewReader("x"), 1, "a.zip")
	assert.True(t, errors.Is(err, ErrUnavailable))

	srv.Close()
	_, err = c.Scan(context.Background(), strings.NewReader("x"), 1, "a.zip")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
