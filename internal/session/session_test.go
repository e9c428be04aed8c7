package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/venuelab/poscheck/internal/venue"
)

func TestRoleForID(t *testing.T) {
	tests := []struct {
		id   int
		want Role
	}{
		{1, Short},
		{2, Long},
		{3, Short},
		{4, Long},
		{10, Long},
		{11, Short},
	}

	for _, tt := range tests {
		if got := RoleForID(tt.id); got != tt.want {
			t.Errorf("RoleForID(%d) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestRoleApply(t *testing.T) {
	amount := decimal.RequireFromString("0.25")

	if got := Long.Apply(amount); !got.Equal(amount) {
		t.Errorf("Long.Apply(0.25) = %s, want 0.25", got)
	}
	if got := Short.Apply(amount); !got.Equal(amount.Neg()) {
		t.Errorf("Short.Apply(0.25) = %s, want -0.25", got)
	}

	// Complementary roles produce exact negatives of each other.
	if !Long.Apply(amount).Add(Short.Apply(amount)).IsZero() {
		t.Error("long + short signed amounts should sum to zero")
	}
}

func restServer(t *testing.T, body string, status int) *venue.Rest {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return venue.NewRest(server.URL, "k", "s")
}

func TestRefreshPosition(t *testing.T) {
	rest := restServer(t, `[
		["tBTCF0:USTF0","ACTIVE","3.0"],
		["tETHF0:USTF0","ACTIVE","1.25"]
	]`, http.StatusOK)

	s := New(2, nil, rest, nil)
	if err := s.RefreshPosition(context.Background(), "tETHF0:USTF0"); err != nil {
		t.Fatalf("RefreshPosition failed: %v", err)
	}

	if s.Position.Symbol != "tETHF0:USTF0" {
		t.Errorf("Symbol = %q, want tETHF0:USTF0", s.Position.Symbol)
	}
	if !s.Position.Amount.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("Amount = %s, want 1.25", s.Position.Amount)
	}
}

func TestRefreshPositionEmptyNormalizesToZero(t *testing.T) {
	rest := restServer(t, `[]`, http.StatusOK)

	s := New(1, nil, rest, nil)
	if err := s.RefreshPosition(context.Background(), "tETHF0:USTF0"); err != nil {
		t.Fatalf("RefreshPosition failed: %v", err)
	}

	if s.Position.Symbol != "tETHF0:USTF0" {
		t.Errorf("Symbol = %q, want configured instrument", s.Position.Symbol)
	}
	if !s.Position.Amount.IsZero() {
		t.Errorf("Amount = %s, want 0", s.Position.Amount)
	}
}

func TestRefreshPositionNoSymbolMatchNormalizesToZero(t *testing.T) {
	rest := restServer(t, `[["tBTCF0:USTF0","ACTIVE","3.0"]]`, http.StatusOK)

	s := New(1, nil, rest, nil)
	if err := s.RefreshPosition(context.Background(), "tETHF0:USTF0"); err != nil {
		t.Fatalf("RefreshPosition failed: %v", err)
	}

	if !s.Position.Amount.IsZero() {
		t.Errorf("Amount = %s, want 0", s.Position.Amount)
	}
}

func TestRefreshPositionQueryError(t *testing.T) {
	rest := restServer(t, `["error",500,"boom"]`, http.StatusInternalServerError)

	s := New(1, nil, rest, nil)
	if err := s.RefreshPosition(context.Background(), "tETHF0:USTF0"); err == nil {
		t.Fatal("expected error from failing positions query")
	}
}

func TestSessionRoleSetAtConstruction(t *testing.T) {
	s := New(4, nil, nil, nil)
	if s.Role != Long {
		t.Errorf("Role = %s, want long for even id", s.Role)
	}
}
