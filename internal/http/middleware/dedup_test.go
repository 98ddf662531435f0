package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pillsync/internal/store"
)

type fakeClaims struct {
	mu       sync.Mutex
	claimed  map[int64]bool
	released []int64
	claimErr error
	gotTTL   time.Duration
}

func (f *fakeClaims) ClaimUpdate(_ context.Context, id int64, _ time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotTTL = ttl
	if f.claimErr != nil {
		return f.claimErr
	}
	if f.claimed == nil {
		f.claimed = map[int64]bool{}
	}
	if f.claimed[id] {
		return store.ErrDuplicate
	}
	f.claimed[id] = true
	return nil
}

func (f *fakeClaims) ReleaseUpdate(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, id)
	f.released = append(f.released, id)
	return nil
}

const messageUpdate = `{"update_id":501,"message":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"/list"}}`

// webhookEngine mounts TelegramUpdate + UpdateDeduper in front of a handler
// answering with status and counting calls.
func webhookEngine(claims UpdateClaimer, status *int, calls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/hook", TelegramUpdate(), UpdateDeduper(claims, DedupOptions{TTL: time.Hour}), func(c *gin.Context) {
		*calls++
		if u, ok := GetUpdate(c); !ok || u.UpdateID != 501 {
			c.AbortWithStatus(http.StatusTeapot)
			return
		}
		if chatIDFromCtx(c) != "42" {
			c.AbortWithStatus(http.StatusTeapot)
			return
		}
		c.JSON(*status, gin.H{"ok": *status < 300})
	})
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestTelegramUpdate_RejectsMalformed(t *testing.T) {
	status, calls := http.StatusOK, 0
	r := webhookEngine(&fakeClaims{}, &status, &calls)

	for _, body := range []string{`{`, `{"message":{}}`, `{"update_id":-3}`} {
		if w := post(r, body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d; want 400", body, w.Code)
		}
	}
	if calls != 0 {
		t.Fatalf("handler ran %d times for malformed bodies", calls)
	}
}

func TestUpdateDeduper_ProcessesOnce(t *testing.T) {
	claims := &fakeClaims{}
	status, calls := http.StatusOK, 0
	r := webhookEngine(claims, &status, &calls)

	if w := post(r, messageUpdate); w.Code != http.StatusOK {
		t.Fatalf("first delivery status=%d body=%s", w.Code, w.Body.String())
	}
	w := post(r, messageUpdate)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status=%d; want 200", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["duplicate"] != true {
		t.Fatalf("redelivery body=%s; want duplicate flag", w.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times; want 1", calls)
	}
	if claims.gotTTL != time.Hour {
		t.Fatalf("ttl=%v; want 1h", claims.gotTTL)
	}
}

func TestUpdateDeduper_ReleasesClaimOnServerError(t *testing.T) {
	claims := &fakeClaims{}
	status, calls := http.StatusServiceUnavailable, 0
	r := webhookEngine(claims, &status, &calls)

	if w := post(r, messageUpdate); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d; want 503", w.Code)
	}
	if len(claims.released) != 1 || claims.released[0] != 501 {
		t.Fatalf("released=%v; want [501]", claims.released)
	}

	status = http.StatusOK
	if w := post(r, messageUpdate); w.Code != http.StatusOK || calls != 2 {
		t.Fatalf("redelivery not processed: status=%d calls=%d", w.Code, calls)
	}
}

func TestUpdateDeduper_ClaimFailureIs503(t *testing.T) {
	claims := &fakeClaims{claimErr: store.Unavailable("claim update", errors.New("throttled"))}
	status, calls := http.StatusOK, 0
	r := webhookEngine(claims, &status, &calls)

	w := post(r, messageUpdate)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d; want 503", w.Code)
	}
	if calls != 0 {
		t.Fatalf("handler ran without a claim")
	}
	if len(claims.released) != 0 {
		t.Fatalf("released a claim that was never made: %v", claims.released)
	}
}

func TestGetUpdate_Absent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := GetUpdate(c); ok {
		t.Fatalf("expected no update in a fresh context")
	}
	c.Set(ctxKeyUpdate, "not an update")
	if _, ok := GetUpdate(c); ok {
		t.Fatalf("expected wrong-typed value to be ignored")
	}
	if chatIDFromCtx(c) != "" {
		t.Fatalf("expected empty chat id")
	}
}
