package jina

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

func newTestClient(baseURL string) Client {
	return NewClient("test-key", WithSearchBaseURL(baseURL), WithRetries(3, time.Millisecond))
}

func TestSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/\"Jane Doe\" obituary", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"code":200,"data":[
			{"title":"Jane Doe, 80, dies","url":"https://variety.com/jane-doe","content":"Doe died of pancreatic cancer.","usage":{"tokens":120}},
			{"title":"Jane Doe","url":"https://example.com/doe","description":"Actress Jane Doe has died.","usage":{"tokens":30}}
		]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), Request{Query: `"Jane Doe" obituary`})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, 150, res.Tokens)
	assert.Equal(t, "Doe died of pancreatic cancer.", res.Hits[0].Text())
	assert.Equal(t, "Actress Jane Doe has died.", res.Hits[1].Text())
}

func TestSearch_SitesAndCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"variety.com", "apnews.com"}, r.URL.Query()["site"])
		assert.Equal(t, "5", r.URL.Query().Get("num"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), Request{
		Query: "Jane Doe",
		Sites: []string{"variety.com", "apnews.com"},
		Count: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearch_NoResults422(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), Request{Query: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearch_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), Request{Query: "q"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearch_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[{"url":"https://x.com"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSearch_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithSearchBaseURL(srv.URL), WithRetries(2, time.Millisecond)).
		Search(context.Background(), Request{Query: "q"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), Request{Query: "q"})
	assert.ErrorContains(t, err, "unmarshal search response")
}

func TestSearch_EmptyQuery(t *testing.T) {
	_, err := NewClient("k").Search(context.Background(), Request{Query: " "})
	assert.ErrorContains(t, err, "empty query")
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("k", WithRetries(0, 0)).(*httpClient)
	assert.Equal(t, defaultSearchBaseURL, c.searchBaseURL)
	assert.Equal(t, 1, c.attempts)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
}
