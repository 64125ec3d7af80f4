package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
	"github.com/iliyamo/bus-ticketing/internal/rider"
)

type fakeMachine struct {
	toggled []string
	held    string
}

func (f *fakeMachine) Toggle(_ context.Context, seat model.SeatKey) error {
	f.toggled = append(f.toggled, seat.SeatNumber)
	if f.held == seat.SeatNumber {
		f.held = ""
		return nil
	}
	if f.held != "" {
		return rider.ErrSeatAlreadySelected
	}
	f.held = seat.SeatNumber
	return nil
}

func (f *fakeMachine) Pay(context.Context, model.Passenger) (model.Booking, error) {
	return model.Booking{}, &apperr.Error{Code: apperr.CodeLedgerUnavailable, Message: "payment received, contact support", Ref: "rb_9"}
}

func (f *fakeMachine) Refresh(context.Context, uint64, time.Time) {}

func (f *fakeMachine) Selection() (model.SeatKey, string, bool) {
	if f.held == "" {
		return model.SeatKey{}, "", false
	}
	return model.NewSeatKey(7, day, f.held), "rt_" + f.held, true
}

func (f *fakeMachine) Remaining() time.Duration { return 95 * time.Second }

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func press(t *testing.T, m *uiModel, key string) {
	t.Helper()
	var msg tea.KeyMsg
	switch key {
	case "right":
		msg = tea.KeyMsg{Type: tea.KeyRight}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case " ":
		msg = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	_, cmd := m.Update(msg)
	if cmd != nil {
		if res, ok := cmd().(doneMsg); ok {
			m.Update(res)
		}
	}
}

func TestSelectMovesAndToggles(t *testing.T) {
	fm := &fakeMachine{}
	m := newModel(7, day, 8, model.Passenger{})
	m.machine = fm
	m.Update(eventMsg(rider.Event{Kind: rider.EventSeatMap, SeatMap: reservation.SeatMap{ScheduleID: 7, TotalSeats: 8, Booked: []string{"1"}, LockStatusAvailable: true}}))

	press(t, m, "right")
	press(t, m, "down")
	press(t, m, " ")
	if len(fm.toggled) != 1 || fm.toggled[0] != "6" {
		t.Fatalf("toggled = %v, want [6]", fm.toggled)
	}
	view := m.View()
	if !strings.Contains(view, "holding seat 6: 1m35s left") {
		t.Fatalf("view missing countdown:\n%s", view)
	}

	press(t, m, "right")
	press(t, m, " ")
	if !errors.Is(m.err, rider.ErrSeatAlreadySelected) {
		t.Fatalf("err = %v", m.err)
	}
}

func TestPayErrorShowsReference(t *testing.T) {
	fm := &fakeMachine{held: "3"}
	m := newModel(7, day, 8, model.Passenger{})
	m.machine = fm
	press(t, m, "p")
	if view := m.View(); !strings.Contains(view, "reference rb_9") {
		t.Fatalf("view missing reference:\n%s", view)
	}
}

func TestEventsUpdateStatus(t *testing.T) {
	m := newModel(7, day, 4, model.Passenger{})
	m.machine = &fakeMachine{}
	m.Update(eventMsg(rider.Event{Kind: rider.EventExpired, Seat: model.NewSeatKey(7, day, "2")}))
	if !strings.Contains(m.View(), "hold on seat 2 expired") {
		t.Fatalf("view = %s", m.View())
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Fatal("q did not quit")
	}
}
