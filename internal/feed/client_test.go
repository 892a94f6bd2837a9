package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClientFetchArray(t *testing.T) {
	t.Parallel()
	var gotSince string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_, _ = w.Write([]byte(`[{"id":1,"title":"a","url":"http://a","created_at":"2024-02-01T10:00:00Z"},{"id":"b","title":"b","url":"http://b"}]`))
	}))
	defer s.Close()

	c := NewHTTPClient(s.URL+"/api/updates", 2*time.Second)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items, err := c.Fetch(context.Background(), since)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotSince != "2024-01-01T00:00:00Z" {
		t.Fatalf("since = %q", gotSince)
	}
	if len(items) != 2 || items[0].Opportunity.ID != "1" || !items[0].HasCreatedAt || items[1].HasCreatedAt {
		t.Fatalf("items = %+v", items)
	}
}

func TestHTTPClientFetchEnvelope(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"updates":[{"id":"x","title":"t","url":"u"}]}`))
	}))
	defer s.Close()

	items, err := NewHTTPClient(s.URL, 2*time.Second).Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].Opportunity.ID != "x" {
		t.Fatalf("items = %+v", items)
	}
}

func TestHTTPClientFetchKeepsBatchAroundBadItem(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"updates":[{"id":"a","title":"A","url":"u"},{"id":"b","title":5},{"id":"c","title":"C","url":"u"}]}`))
	}))
	defer s.Close()

	items, err := NewHTTPClient(s.URL, 2*time.Second).Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].DecodeErr != nil || items[2].DecodeErr != nil || items[2].Opportunity.ID != "c" {
		t.Fatalf("good items = %+v, %+v", items[0], items[2])
	}
	if items[1].DecodeErr == nil {
		t.Fatal("wrongly typed title must mark the item")
	}
}

func TestHTTPClientFetchErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream err", http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{not json`))
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "scalar body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`"nope"`))
			},
			wantStatus: http.StatusOK,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := httptest.NewServer(tc.handler)
			defer s.Close()

			_, err := NewHTTPClient(s.URL, 2*time.Second).Fetch(context.Background(), time.Time{})
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", fe.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer s.Close()

	_, err := NewHTTPClient(s.URL, 100*time.Millisecond).Fetch(context.Background(), time.Time{})
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 0 {
		t.Fatalf("err = %v, want network FetchError", err)
	}
}
