package reservation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
)

func TestNormalizePassenger(t *testing.T) {
	tests := []struct {
		name string
		in   model.Passenger
		ok   bool
	}{
		{"valid", model.Passenger{Name: " Asha ", Email: "asha@example.com", Phone: "+91-98765-43210"}, true},
		{"plain digits", model.Passenger{Name: "Asha", Email: "asha@example.com", Phone: "9876543210"}, true},
		{"display name email", model.Passenger{Name: "Asha", Email: "Asha <asha@example.com>", Phone: "9876543210"}, false},
		{"short phone", model.Passenger{Name: "Asha", Email: "asha@example.com", Phone: "12345"}, false},
		{"plus inside", model.Passenger{Name: "Asha", Email: "asha@example.com", Phone: "98+76543210"}, false},
		{"blank", model.Passenger{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePassenger(tt.in)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if got.Name != strings.TrimSpace(tt.in.Name) {
					t.Fatalf("name = %q", got.Name)
				}
				return
			}
			if !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("got %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestNewBookingID(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, b := NewBookingID(at), NewBookingID(at)
	if !strings.HasPrefix(a, "BUS") || a == b {
		t.Fatalf("ids %q and %q", a, b)
	}
	if a != strings.ToUpper(a) || len(a) != len(b) {
		t.Fatalf("unexpected id format %q", a)
	}
}
