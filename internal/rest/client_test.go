package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
	"chatsync/internal/token"
)

func newTestStore(access, refresh string) *token.Store {
	store := token.NewStore(nil)
	if access != "" {
		store.Set(token.Credentials{AccessToken: access, RefreshToken: refresh})
	}
	return store
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]models.RoomSummary{})
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestStore("tok-1", "ref-1"))
	_, err := client.Rooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestNoSession(t *testing.T) {
	client := NewClient("http://unused", newTestStore("", ""))
	_, err := client.Rooms(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRefreshOn401(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req models.RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ref-1", req.RefreshToken)
		refreshes.Add(1)
		json.NewEncoder(w).Encode(models.RefreshResponse{AccessToken: "tok-2"})
	})
	mux.HandleFunc("/chatrooms", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]models.RoomSummary{{RoomID: "1"}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newTestStore("tok-1", "ref-1")
	client := NewClient(server.URL, store)

	rooms, err := client.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int32(1), refreshes.Load())

	// The rotated access token is stored for subsequent requests.
	assert.Equal(t, "tok-2", store.Access())
	assert.Equal(t, "ref-1", store.Get().RefreshToken)
}

func TestSecond401IsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.RefreshResponse{AccessToken: "tok-2"})
	})
	mux.HandleFunc("/chatrooms", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newTestStore("tok-1", "ref-1")
	client := NewClient(server.URL, store)

	_, err := client.Rooms(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, store.Get().Empty(), "session must be cleared")
}

func TestRefreshFailureClearsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/chatrooms", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := newTestStore("tok-1", "ref-1")
	client := NewClient(server.URL, store)

	_, err := client.Rooms(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, store.Get().Empty())
}

func TestSingleFlightRefresh(t *testing.T) {
	var refreshes atomic.Int32
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		<-release
		json.NewEncoder(w).Encode(models.RefreshResponse{AccessToken: "tok-2"})
	})
	mux.HandleFunc("/chatrooms", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]models.RoomSummary{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, newTestStore("tok-1", "ref-1"), WithTimeout(5*time.Second))

	const concurrency = 8
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Rooms(context.Background())
		}(i)
	}

	// Give all requests time to hit the 401 and pile up on the refresh.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, int32(1), refreshes.Load(), "refresh must be single-flight")
}

func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestStore("tok-1", ""))
	_, err := client.Rooms(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "upstream down")
}

func TestLoginStoresTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		var req models.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dana@example.com", req.Email)
		json.NewEncoder(w).Encode(models.LoginResponse{AccessToken: "a1", RefreshToken: "r1"})
	}))
	defer server.Close()

	store := newTestStore("", "")
	client := NewClient(server.URL, store)
	require.NoError(t, client.Login(context.Background(), "dana@example.com", "pw"))

	assert.Equal(t, "a1", store.Access())
	assert.Equal(t, "r1", store.Get().RefreshToken)
}

func TestHistoryPostsRoomID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/history", r.URL.Path)
		var req models.HistoryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "room-9", req.RoomID)
		json.NewEncoder(w).Encode([]models.Message{{ID: "m1", RoomID: "room-9"}})
	}))
	defer server.Close()

	client := NewClient(server.URL, newTestStore("tok", ""))
	history, err := client.History(context.Background(), "room-9")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].ID)
}
