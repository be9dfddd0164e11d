package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cidertogether/core/internal/roomcode"
)

func TestPublishSendsRecordToTopicPath(t *testing.T) {
	code := roomcode.Code("ABCD1234")
	var gotPath string
	var gotRecord Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotRecord)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	rec := Record{PeerID: "p1", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}}
	if err := c.Publish(context.Background(), code, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/"+code.SignalingTopic() {
		t.Fatalf("got path %q", gotPath)
	}
	if gotRecord.PeerID != "p1" {
		t.Fatalf("got record %+v", gotRecord)
	}
}

func TestPollReturnsNotFoundOn404(t *testing.T) {
	code := roomcode.Code("ABCD1234")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Poll(context.Background(), code, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPollReturnsNotFoundOnEmptyList(t *testing.T) {
	code := roomcode.Code("ABCD1234")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Record{})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Poll(context.Background(), code, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPollReturnsRecords(t *testing.T) {
	code := roomcode.Code("ABCD1234")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "1000" {
			t.Fatalf("expected since=1000, got %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Record{{PeerID: "host", Addrs: []string{"/ip4/10.0.0.1/tcp/4001"}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	records, err := c.Poll(context.Background(), code, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].PeerID != "host" {
		t.Fatalf("got records %+v", records)
	}
}

func TestPollNetworkErrorOnUnreachableHost(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.Poll(context.Background(), roomcode.Code("ABCD1234"), 0)
	if !errors.Is(err, ErrNetworkError) {
		t.Fatalf("expected ErrNetworkError, got %v", err)
	}
}

func TestPollUntilFoundSucceedsOnceRecordAppears(t *testing.T) {
	code := roomcode.Code("ABCD1234")
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode([]Record{{PeerID: "host"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	records, err := PollUntilFound(context.Background(), c, code, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].PeerID != "host" {
		t.Fatalf("got records %+v", records)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestPollUntilFoundTimesOutWhenNeverPublished(t *testing.T) {
	code := roomcode.Code("ZZZZ9999")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	start := time.Now()
	_, err := PollUntilFound(context.Background(), c, code, 0, 300*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected an error once the deadline elapses")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected prompt return after the deadline, took %s", elapsed)
	}
}
