package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pillsync/internal/http/middleware"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
)

type fakeBot struct {
	events    []messenger.Event
	handleErr error

	ticks    int
	sum      services.TickSummary
	tickErr  error
	deadline bool
}

func (f *fakeBot) Handle(_ context.Context, ev messenger.Event) error {
	f.events = append(f.events, ev)
	return f.handleErr
}

func (f *fakeBot) Tick(ctx context.Context) (services.TickSummary, error) {
	f.ticks++
	_, f.deadline = ctx.Deadline()
	return f.sum, f.tickErr
}

func newRouter(bot Bot, withUpdateMiddleware bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(bot, time.Minute)
	h.now = func() time.Time { return time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC) }

	r := gin.New()
	if withUpdateMiddleware {
		r.POST("/webhook", middleware.TelegramUpdate(), h.TelegramWebhook)
	} else {
		r.POST("/webhook", h.TelegramWebhook)
	}
	r.POST("/tick", h.Tick)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func textUpdate(id int, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":9,"date":0,"from":{"id":7,"is_bot":false,"first_name":"A","username":"alice"},"chat":{"id":42,"type":"private"},"text":%q}}`, id, text)
}

const callbackUpdate = `{"update_id":12,"callback_query":{"id":"cb-1","from":{"id":7,"is_bot":false,"first_name":"A","username":"alice"},"message":{"message_id":55,"date":0,"chat":{"id":42,"type":"private"}},"data":"ack|x|2024-05-01|08:00"}}`

func TestTelegramWebhook_TranslatesUpdates(t *testing.T) {
	for _, mw := range []bool{true, false} {
		t.Run(fmt.Sprintf("middleware=%v", mw), func(t *testing.T) {
			bot := &fakeBot{}
			r := newRouter(bot, mw)

			if w := postJSON(r, "/webhook", textUpdate(11, "/list")); w.Code != http.StatusOK {
				t.Fatalf("text status=%d body=%s", w.Code, w.Body.String())
			}
			if w := postJSON(r, "/webhook", callbackUpdate); w.Code != http.StatusOK {
				t.Fatalf("callback status=%d body=%s", w.Code, w.Body.String())
			}

			if len(bot.events) != 2 {
				t.Fatalf("events=%d; want 2", len(bot.events))
			}
			txt, act := bot.events[0], bot.events[1]
			if txt.Kind != messenger.UserText || txt.ChatID != "42" || txt.Text != "/list" || txt.Username != "alice" || txt.UpdateID != 11 {
				t.Fatalf("text event=%+v", txt)
			}
			if act.Kind != messenger.UserAction || act.ActionID != "ack|x|2024-05-01|08:00" || act.CallbackID != "cb-1" || act.MessageID != 55 {
				t.Fatalf("action event=%+v", act)
			}
		})
	}
}

func TestTelegramWebhook_IgnoresUnsupported(t *testing.T) {
	bot := &fakeBot{}
	r := newRouter(bot, true)

	edited := `{"update_id":13,"edited_message":{"message_id":9,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`
	w := postJSON(r, "/webhook", edited)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body WebhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || !body.OK || !body.Ignored {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
	if len(bot.events) != 0 {
		t.Fatalf("ignored update reached the engine")
	}
}

func TestTelegramWebhook_StatusByError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"handled", nil, http.StatusOK},
		{"unauthorized", fmt.Errorf("chat 5: %w", services.ErrUnauthorized), http.StatusOK},
		{"storage unavailable", store.Unavailable("get chat", errors.New("timeout")), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"contention answered in chat", services.ErrContention, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(&fakeBot{handleErr: tc.err}, true)
			w := postJSON(r, "/webhook", textUpdate(20, "hi"))
			if w.Code != tc.want {
				t.Fatalf("status=%d; want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusServiceUnavailable {
				var er ErrorResponse
				_ = json.Unmarshal(w.Body.Bytes(), &er)
				if er.Code != ErrCodeUnavailable {
					t.Fatalf("code=%q; want %q", er.Code, ErrCodeUnavailable)
				}
			}
		})
	}
}

func TestTelegramWebhook_MalformedBody(t *testing.T) {
	r := newRouter(&fakeBot{}, false)
	if w := postJSON(r, "/webhook", "{"); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d; want 400", w.Code)
	}
}

func TestTick(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"unavailable", store.Unavailable("scan chats", errors.New("throttled")), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"deadline", fmt.Errorf("scan: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"other", errors.New("bug"), http.StatusInternalServerError, ErrCodeTickFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bot := &fakeBot{sum: services.TickSummary{Chats: 3, Sent: 2}, tickErr: tc.err}
			w := postJSON(newRouter(bot, true), "/tick", "")
			if w.Code != tc.want {
				t.Fatalf("status=%d; want %d", w.Code, tc.want)
			}
			if !bot.deadline {
				t.Fatalf("tick ran without a deadline")
			}
			if tc.wantCode != "" {
				var er ErrorResponse
				_ = json.Unmarshal(w.Body.Bytes(), &er)
				if er.Code != tc.wantCode {
					t.Fatalf("code=%q; want %q", er.Code, tc.wantCode)
				}
				return
			}
			var sum services.TickSummary
			if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
				t.Fatalf("json: %v", err)
			}
			if sum.Chats != 3 || sum.Sent != 2 {
				t.Fatalf("summary=%+v", sum)
			}
		})
	}
}
