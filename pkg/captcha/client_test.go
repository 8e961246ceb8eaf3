package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolve_PollsUntilReady(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "userrecaptcha", r.PostForm.Get("method"))
			assert.Equal(t, "site-key", r.PostForm.Get("googlekey"))
			assert.Equal(t, "test-key", r.PostForm.Get("key"))
			_, _ = w.Write([]byte(`{"status":1,"request":"42"}`))
		case "/res.php":
			assert.Equal(t, "42", r.URL.Query().Get("id"))
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":1,"request":"token-abc"}`))
		}
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	token, err := Solve(context.Background(), c, Task{Kind: KindRecaptchaV2, SiteKey: "site-key", PageURL: "https://x"}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)
	assert.Equal(t, int32(2), polls.Load())
}

func TestSolve_Unsolvable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			_, _ = w.Write([]byte(`{"status":1,"request":"7"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`))
	}))
	defer srv.Close()

	_, err := Solve(context.Background(), NewClient("k", WithBaseURL(srv.URL)), Task{Kind: KindHCaptcha}, time.Millisecond)
	assert.True(t, errors.Is(err, ErrUnsolvable))
}

func TestSubmit_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":0,"request":"ERROR_WRONG_USER_KEY"}`))
	}))
	defer srv.Close()

	_, err := NewClient("bad", WithBaseURL(srv.URL)).Submit(context.Background(), Task{Kind: KindTurnstile})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestSolve_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			_, _ = w.Write([]byte(`{"status":1,"request":"7"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":0,"request":"CAPCHA_NOT_READY"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Solve(ctx, NewClient("k", WithBaseURL(srv.URL)), Task{}, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
