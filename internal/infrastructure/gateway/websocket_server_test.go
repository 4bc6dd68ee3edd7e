package gateway

import (
	"net/http/httptest"
	"testing"
	"time"

	"watchsync/internal/core/domain"
	apperrors "watchsync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		AllowedOrigins:    []string{"*"},
		MessagesPerSecond: 50,
		MessageBurst:      100,
		MaxMessageSize:    16 * 1024,
	}
}

func testServer(t *testing.T, cfg Config) *WebSocketServer {
	t.Helper()
	return NewWebSocketServer(nil, cfg, zap.NewNop().Sugar())
}

func TestDecodePinsActorToConnection(t *testing.T) {
	s := testServer(t, testConfig())

	// A forged client id in the payload must not survive decoding.
	req, err := s.decode([]byte(`{"type":"seek","data":{"client":"someone-else","position":12.5}}`), "conn-1")
	require.NoError(t, err)

	seek, ok := req.(*domain.SeekRequest)
	require.True(t, ok)
	assert.Equal(t, domain.ClientID("conn-1"), seek.Actor())
	assert.Equal(t, 12.5, seek.Position)
}

func TestDecodeEveryRequestKindCarriesConnectionActor(t *testing.T) {
	s := testServer(t, testConfig())

	kinds := []string{
		"playback", "skip", "seek", "queue.add", "queue.remove",
		"queue.order", "queue.vote", "promote", "update-user", "chat",
		"undo", "settings.apply",
	}
	for _, kind := range kinds {
		req, err := s.decode([]byte(`{"type":"`+kind+`"}`), "conn-1")
		require.NoError(t, err, kind)
		assert.Equal(t, domain.ClientID("conn-1"), req.Actor(), kind)
	}
}

func TestDecodeRejectsLifecycleMessages(t *testing.T) {
	s := testServer(t, testConfig())

	for _, kind := range []string{"join", "leave"} {
		_, err := s.decode([]byte(`{"type":"`+kind+`","data":{}}`), "conn-1")
		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err), kind)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	s := testServer(t, testConfig())

	_, err := s.decode([]byte(`{not json`), "conn-1")
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = s.decode([]byte(`{"type":"time-travel","data":{}}`), "conn-1")
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"*"}, "https://evil.example", true},
		{[]string{"https://watch.example"}, "https://watch.example", true},
		{[]string{"https://watch.example"}, "https://evil.example", false},
		{[]string{"https://watch.example"}, "", true},
	}
	for _, tc := range cases {
		cfg := testConfig()
		cfg.AllowedOrigins = tc.allowed
		s := testServer(t, cfg)

		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, s.checkOrigin(r), "origin %q allowed %v", tc.origin, tc.allowed)
	}
}
