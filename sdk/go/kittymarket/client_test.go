package kittymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["grant_type"] != "password" || body["name"] != "alice" {
			t.Fatalf("unexpected body: %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc", TokenType: "Bearer", ExpiresIn: 60})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	token, err := client.Authenticate(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token.AccessToken != "abc" || client.AccessToken() != "abc" {
		t.Fatalf("token not stored: %+v", token)
	}
}

func TestSubmitSendsSignerAndToken(t *testing.T) {
	var gotAuth string
	var body struct {
		Signer string `json:"signer"`
		Call   Call   `json:"call"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Submission{ID: "x1", Status: "pooled"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("tok")
	client.SetSigner("0x0000000000000000000000000000000000000001")

	sub, err := client.Bid(context.Background(), 3, "150")
	if err != nil {
		t.Fatalf("Bid: %v", err)
	}
	if sub.ID != "x1" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("missing bearer header: %q", gotAuth)
	}
	if body.Call.Method != "bid" || body.Call.Kitty != 3 || body.Call.Amount != "150" {
		t.Fatalf("unexpected call: %+v", body.Call)
	}
	if body.Signer == "" {
		t.Fatalf("signer missing")
	}

	if _, err := client.SubmitPriceUnsigned(context.Background(), 7, 612); err != nil {
		t.Fatalf("SubmitPriceUnsigned: %v", err)
	}
	if body.Signer != "" || body.Call.Block != 7 {
		t.Fatalf("unsigned call must not carry signer: %+v", body)
	}
}

func TestQueriesDecodeResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/kitties/4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":4,"dna":"0xab","owner":"0x01","stake":"100","listing":{"kitty_id":4,"seller":"0x01","expiry_block":9,"reserve_price":"10","bid":{"bidder":"0x02","amount":"20"}}}`))
	})
	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "3" || r.URL.Query().Get("name") != "SaleSettled" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"block":4,"index":0,"name":"SaleSettled","payload":{"kitty_id":4}}]`))
	})
	mux.HandleFunc("/api/v1/prices", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"average_cents":612,"average_usd":"6.12","prices":[600,624],"next_unsigned_at":7}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	kitty, err := client.Kitty(ctx, 4)
	if err != nil {
		t.Fatalf("Kitty: %v", err)
	}
	if kitty.Listing == nil || kitty.Listing.Bid == nil || kitty.Listing.Bid.Amount != "20" {
		t.Fatalf("unexpected kitty: %+v", kitty)
	}

	events, err := client.Events(ctx, EventFilter{FromBlock: 3, Name: "SaleSettled"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || !strings.Contains(string(events[0].Payload), "kitty_id") {
		t.Fatalf("unexpected events: %+v", events)
	}

	prices, err := client.Prices(ctx)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if prices.AverageCents == nil || *prices.AverageCents != 612 || prices.NextUnsignedAt != 7 {
		t.Fatalf("unexpected prices: %+v", prices)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"BID_TOO_LOW","message":"bid below current price"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Bid(context.Background(), 1, "1")
	if err == nil {
		t.Fatalf("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "BID_TOO_LOW" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !IsCode(err, "BID_TOO_LOW") {
		t.Fatalf("IsCode should match")
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Head(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Message != "upstream down" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}
