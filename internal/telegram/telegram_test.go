package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "123456:ABC-secret"

type recordedCall struct {
	path string
	body map[string]any
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, call recordedCall)) (*Client, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := recordedCall{path: r.URL.Path}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &call.body))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		}
		calls = append(calls, call)
		handler(w, call)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Token: testToken, BaseURL: srv.URL}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	return c, &calls
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestGetMe(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, _ recordedCall) {
		writeJSON(w, http.StatusOK, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Stock","username":"stock_bot","can_join_groups":true}}`)
	})

	u, err := c.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, User{ID: 42, IsBot: true, FirstName: "Stock", Username: "stock_bot"}, u)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/bot"+testToken+"/getMe", (*calls)[0].path)
}

func TestSendText(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, _ recordedCall) {
		writeJSON(w, http.StatusOK, `{"ok":true,"result":{"message_id":7}}`)
	})

	require.NoError(t, c.SendText(context.Background(), "-100123", "<b>New</b> drop"))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot"+testToken+"/sendMessage", call.path)
	assert.Equal(t, map[string]any{"chat_id": "-100123", "text": "<b>New</b> drop", "parse_mode": "HTML"}, call.body)
}

func TestSendPhoto(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, _ recordedCall) {
		writeJSON(w, http.StatusOK, `{"ok":true,"result":{"message_id":8}}`)
	})

	require.NoError(t, c.SendPhoto(context.Background(), "42", "https://img.example.com/a.jpg", "caption"))

	require.Len(t, *calls, 1)
	assert.Equal(t, "/bot"+testToken+"/sendPhoto", (*calls)[0].path)
	assert.Equal(t, "https://img.example.com/a.jpg", (*calls)[0].body["photo"])
	assert.Equal(t, "caption", (*calls)[0].body["caption"])
}

func TestCall_Errors(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		body             string
		wantCode         int
		wantRetry        time.Duration
		wantUnauthorized bool
	}{
		{
			name:      "flood control",
			status:    http.StatusTooManyRequests,
			body:      `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`,
			wantCode:  429,
			wantRetry: 5 * time.Second,
		},
		{
			name:             "bad token",
			status:           http.StatusUnauthorized,
			body:             `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			wantCode:         401,
			wantUnauthorized: true,
		},
		{
			name:     "bad photo",
			status:   http.StatusBadRequest,
			body:     `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`,
			wantCode: 400,
		},
		{
			name:     "gateway html",
			status:   http.StatusBadGateway,
			body:     `<html><body>502 Bad Gateway</body></html>`,
			wantCode: 502,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, func(w http.ResponseWriter, _ recordedCall) {
				writeJSON(w, tt.status, tt.body)
			})

			err := c.SendText(context.Background(), "42", "hi")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, "sendMessage", apiErr.Method)
			assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
			assert.Equal(t, tt.wantUnauthorized, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestCall_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, err := NewClient(Config{Token: testToken, BaseURL: base}, &http.Client{Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	err = c.SendText(context.Background(), "42", "hi")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testToken)
}

func TestSendText_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"ok":true,"result":{}}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Token: testToken, BaseURL: srv.URL, SendsPerMinute: 1}, srv.Client(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.SendText(context.Background(), "42", "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.SendText(ctx, "42", "second"), context.DeadlineExceeded)

	require.NoError(t, c.SendText(context.Background(), "other-chat", "first"))
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Config{}, http.DefaultClient, zap.NewNop())
	assert.Error(t, err)
}
