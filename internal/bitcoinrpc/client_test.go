package bitcoinrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mockServer(t *testing.T, result interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resp := response{JSONRPC: "1.0", ID: req.ID, Result: raw}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetBlockTemplateParsesFields(t *testing.T) {
	srv := mockServer(t, map[string]interface{}{
		"version":           536870912,
		"previousblockhash": "00000000000000000000000000000000000000000000000000000000000000",
		"transactions":      []interface{}{},
		"coinbasevalue":     625000000,
		"curtime":           1700000000,
		"bits":              "1d00ffff",
		"height":            800000,
	})
	defer srv.Close()

	c := New(srv.URL, "user", "pass", 0)
	tmpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if tmpl.Height != 800000 {
		t.Errorf("height = %d, want 800000", tmpl.Height)
	}
	if tmpl.CoinbaseValue != 625000000 {
		t.Errorf("coinbase value = %d, want 625000000", tmpl.CoinbaseValue)
	}
	if tmpl.NBits != 0x1d00ffff {
		t.Errorf("nbits = %08x, want 1d00ffff", tmpl.NBits)
	}
	if tmpl.NetworkDifficulty <= 0 {
		t.Error("expected a positive network difficulty")
	}
}

func TestGetBlockTemplateFlagsTipChange(t *testing.T) {
	srv := mockServer(t, map[string]interface{}{
		"bits":   "1d00ffff",
		"height": 800001,
	})
	defer srv.Close()

	c := New(srv.URL, "user", "pass", 0)
	c.lastHeight = 800000

	tmpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if !tmpl.ClearJobs {
		t.Error("expected ClearJobs when height advances")
	}
}

func TestSubmitBlockAccepted(t *testing.T) {
	srv := mockServer(t, nil)
	defer srv.Close()

	c := New(srv.URL, "user", "pass", 0)
	reason, err := c.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if reason != "" {
		t.Errorf("reason = %q, want empty", reason)
	}
}

func TestSubmitBlockRejected(t *testing.T) {
	srv := mockServer(t, "bad-prevblk")
	defer srv.Close()

	c := New(srv.URL, "user", "pass", 0)
	reason, err := c.SubmitBlock(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if reason != "bad-prevblk" {
		t.Errorf("reason = %q, want bad-prevblk", reason)
	}
}
