package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stablescan/internal/models"
)

func day(n int) time.Time {
	return time.Unix(int64(n)*86400, 0).UTC()
}

func TestResolveResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		param   string
		from    time.Time
		to      time.Time
		want    int64
		wantErr bool
	}{
		{name: "auto short span", param: "auto", from: day(0), to: day(7), want: models.ResolutionDay},
		{name: "auto just under 30d", param: "auto", from: day(0), to: day(29), want: models.ResolutionDay},
		{name: "auto 30d rolls up", param: "auto", from: day(0), to: day(30), want: models.Resolution10d},
		{name: "auto 299d", param: "auto", from: day(0), to: day(299), want: models.Resolution10d},
		{name: "auto 300d", param: "auto", from: day(0), to: day(300), want: models.Resolution100d},
		{name: "auto 3000d", param: "auto", from: day(0), to: day(3000), want: models.Resolution1000d},
		{name: "empty acts as auto", param: "", from: day(0), to: day(5), want: models.ResolutionDay},
		{name: "explicit daily", param: "86400", want: models.ResolutionDay},
		{name: "explicit 1000d", param: "86400000", want: models.Resolution1000d},
		{name: "unsupported number", param: "3600", wantErr: true},
		{name: "garbage", param: "weekly", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveResolution(tc.param, tc.from, tc.to)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveResolution(%q) = %d, want error", tc.param, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveResolution(%q): %v", tc.param, err)
			}
			if got != tc.want {
				t.Fatalf("resolveResolution(%q, %s..%s) = %d, want %d", tc.param, tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestParseTimeParam(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2024-05-01", want: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2024-05-01T12:30:00Z", want: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseTimeParam(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseTimeParam(%q) = %s, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTimeParam(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseTimeParam(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// Validation failures must reject before any storage access, so a server
// without a repository exercises them.
func TestHandlerValidation(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "company bad json", method: http.MethodPost, path: "/v1/companies", body: "{not json", want: http.StatusBadRequest},
		{name: "company missing name", method: http.MethodPost, path: "/v1/companies", body: "{}", want: http.StatusBadRequest},
		{name: "stablecoin missing ticker", method: http.MethodPost, path: "/v1/stablecoins", body: `{"name":"Tether"}`, want: http.StatusBadRequest},
		{name: "network bad chain type", method: http.MethodPost, path: "/v1/networks", body: `{"name":"x","chain_type":"bitcoin"}`, want: http.StatusBadRequest},
		{name: "endpoint zero rate", method: http.MethodPost, path: "/v1/endpoints", body: `{"url":"http://x","max_requests_per_sec":0,"max_blocks_per_query":10}`, want: http.StatusBadRequest},
		{name: "endpoint missing url", method: http.MethodPost, path: "/v1/endpoints", body: `{"max_requests_per_sec":1,"max_blocks_per_query":10}`, want: http.StatusBadRequest},
		{name: "contract missing address", method: http.MethodPost, path: "/v1/contracts", body: `{"rpc_endpoint_id":"e1","chain_type":"evm"}`, want: http.StatusBadRequest},
		{name: "contract bad chain type", method: http.MethodPost, path: "/v1/contracts", body: `{"address":"0xabc","rpc_endpoint_id":"e1","chain_type":"ripple"}`, want: http.StatusBadRequest},
		{name: "metrics missing ticker", method: http.MethodGet, path: "/v1/metrics", want: http.StatusBadRequest},
		{name: "metrics bad resolution", method: http.MethodGet, path: "/v1/metrics?ticker=USDT&resolution=weekly", want: http.StatusBadRequest},
		{name: "metrics bad from", method: http.MethodGet, path: "/v1/metrics?ticker=USDT&from=lastweek", want: http.StatusBadRequest},
		{name: "metrics inverted range", method: http.MethodGet, path: "/v1/metrics?ticker=USDT&from=2024-02-01&to=2024-01-01", want: http.StatusBadRequest},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var req *http.Request
			if tc.body != "" {
				req = httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			} else {
				req = httptest.NewRequest(tc.method, tc.path, nil)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("%s %s = %d, want %d (body %s)", tc.method, tc.path, rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{name: "forwarded chain", xff: "203.0.113.7, 10.0.0.1", remote: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "real ip", realIP: "203.0.113.9", remote: "10.0.0.2:1234", want: "203.0.113.9"},
		{name: "remote addr", remote: "198.51.100.3:4567", want: "198.51.100.3"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if tc.realIP != "" {
			req.Header.Set("X-Real-IP", tc.realIP)
		}
		req.RemoteAddr = tc.remote
		if got := clientIP(req); got != tc.want {
			t.Errorf("%s: clientIP = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStatusCache(t *testing.T) {
	t.Parallel()

	c := newStatusCache(nil)
	state := models.SyncState{ContractID: "c1", Status: models.SyncSyncing, LastSyncedBlock: 42}

	if _, ok := c.get("c1"); ok {
		t.Fatal("empty cache should miss")
	}
	c.put(state)
	got, ok := c.get("c1")
	if !ok || got.LastSyncedBlock != 42 {
		t.Fatalf("cache get = %+v, %v", got, ok)
	}
	c.invalidate("c1")
	if _, ok := c.get("c1"); ok {
		t.Fatal("invalidated entry should miss")
	}
}
