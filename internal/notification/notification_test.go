package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dhan-autoexit/internal/metrics"
)

type stubNotifier struct {
	got []Alert
	err error
}

func (s *stubNotifier) Send(_ context.Context, a Alert) error {
	s.got = append(s.got, a)
	return s.err
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	good, bad := &stubNotifier{}, &stubNotifier{err: errors.New("down")}
	multi := NewMulti(m, Channel{"log", good}, Channel{"webhook", bad})

	err := multi.Send(context.Background(), Alert{Level: AlertCritical, Title: "exit failed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook: down")
	assert.Len(t, good.got, 1)
	assert.Len(t, bad.got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("webhook", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsTotal.WithLabelValues("log", "ok")))
}

func TestLogNotifier_LevelMapping(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))

	n.Send(context.Background(), Alert{Level: AlertCritical, Title: "a"})
	n.Send(context.Background(), Alert{Level: AlertInfo, Title: "b"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
}

func TestWebhookNotifier(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Level: AlertInfo, Title: "exit placed", Message: "NSE_FNO:49081"})
	require.NoError(t, err)
	assert.Equal(t, "INFO", got.Level)
	assert.Equal(t, "exit placed", got.Title)
	assert.NotEmpty(t, got.TS)
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	assert.Error(t, err)
}

func TestTelegramNotifier_SendsMarkdownMessage(t *testing.T) {
	var sent string
	var chat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"exitbot","username":"exitbot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			sent = r.Form.Get("text")
			chat = r.Form.Get("chat_id")
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42").WithEndpoint(srv.URL + "/bot%s/%s")
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "exit failed", Message: "NIFTY-25000-CE qty=75"})
	require.NoError(t, err)

	assert.Equal(t, "42", chat)
	assert.Contains(t, sent, "🚨")
	assert.Contains(t, sent, `NIFTY\-25000\-CE`)
}
