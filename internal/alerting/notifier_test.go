package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSendsToEveryRecipient(t *testing.T) {
	var mu sync.Mutex
	var chats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var received map[string]string
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if received["text"] != "hello" {
			t.Errorf("unexpected text %q", received["text"])
		}
		mu.Lock()
		chats = append(chats, received["chat_id"])
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken: "token",
		ChatIDs:  []string{" 111 ", "", "222"},
		APIBase:  srv.URL,
		Timeout:  time.Second,
	}, testLogger())

	if !notifier.Enabled() {
		t.Fatal("notifier should be enabled")
	}
	result := notifier.Notify(context.Background(), "hello")
	if result.Skipped {
		t.Fatal("result should not be skipped")
	}
	if result.Sent() != 2 || result.Failed() != 0 {
		t.Fatalf("expected 2 sent, got %+v", result)
	}
	if strings.Join(chats, ",") != "111,222" {
		t.Fatalf("recipients not trimmed or out of order: %v", chats)
	}
}

func TestTelegramNotifierFailureDoesNotBlockOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var received map[string]string
		_ = json.NewDecoder(r.Body).Decode(&received)
		switch received["chat_id"] {
		case "bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
		case "refused":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "blocked"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken: "token",
		ChatIDs:  []string{"bad", "refused", "good"},
		APIBase:  srv.URL,
		Timeout:  time.Second,
	}, testLogger())

	result := notifier.Notify(context.Background(), "hello")
	if len(result.Deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(result.Deliveries))
	}
	if result.Deliveries[0].Status != StatusFailed || result.Deliveries[0].Err == nil {
		t.Fatalf("non-2xx should fail: %+v", result.Deliveries[0])
	}
	if result.Deliveries[1].Status != StatusFailed {
		t.Fatalf("ok=false should fail: %+v", result.Deliveries[1])
	}
	if result.Deliveries[2].Status != StatusSent {
		t.Fatalf("last recipient should still be delivered: %+v", result.Deliveries[2])
	}
}

func TestTelegramNotifierDisabledWithoutConfig(t *testing.T) {
	cases := map[string]TelegramOptions{
		"no token": {ChatIDs: []string{"1"}},
		"no chats": {BotToken: "token"},
		"blank":    {BotToken: "token", ChatIDs: []string{" ", ""}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			n := NewTelegramNotifier(opts, testLogger())
			if n.Enabled() {
				t.Fatal("notifier should be disabled")
			}
			if res := n.Notify(context.Background(), "x"); !res.Skipped {
				t.Fatalf("disabled notifier should skip, got %+v", res)
			}
		})
	}
}

func TestTelegramNotifierRedactsTokenOnTransportError(t *testing.T) {
	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken: "secret-token",
		ChatIDs:  []string{"1"},
		APIBase:  "http://127.0.0.1:1",
		Timeout:  200 * time.Millisecond,
	}, testLogger())

	result := notifier.Notify(context.Background(), "hello")
	if result.Failed() != 1 {
		t.Fatalf("expected failure, got %+v", result)
	}
	if strings.Contains(result.Deliveries[0].Err.Error(), "secret-token") {
		t.Fatalf("token leaked: %v", result.Deliveries[0].Err)
	}
}

func TestRenderProtocolAlert(t *testing.T) {
	text := RenderProtocolAlert(ProtocolAlert{
		Name:     "AlphaPerp",
		TVL:      decimal.RequireFromString("15000000.4"),
		Chain:    "Ethereum",
		Category: "Derivatives",
	})

	for _, want := range []string{"AlphaPerp", "$15,000,000", "Chain: Ethereum", "Category: Derivatives", "New Derivatives Protocol Alert"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	cases := map[string]string{
		"0":           "$0",
		"999.5":       "$1,000",
		"10000000":    "$10,000,000",
		"1234567.49":  "$1,234,567",
		"-2500000.00": "$-2,500,000",
	}
	for in, want := range cases {
		if got := FormatUSD(decimal.RequireFromString(in)); got != want {
			t.Fatalf("FormatUSD(%s) = %s, want %s", in, got, want)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
