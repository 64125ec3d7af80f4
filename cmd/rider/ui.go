package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iliyamo/bus-ticketing/internal/apperr"
	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/reservation"
	"github.com/iliyamo/bus-ticketing/internal/rider"
)

// seatsPerRow is a 2+2 coach layout.
const seatsPerRow = 4

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	freeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	bookedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
	lockedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mineStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("14"))
	cursorStyle   = lipgloss.NewStyle().Underline(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	countdownWarn = 30 * time.Second
)

// machine is the part of *rider.Machine the UI drives.
type machine interface {
	Toggle(ctx context.Context, seat model.SeatKey) error
	Pay(ctx context.Context, p model.Passenger) (model.Booking, error)
	Refresh(ctx context.Context, scheduleID uint64, journeyDate time.Time)
	Selection() (model.SeatKey, string, bool)
	Remaining() time.Duration
}

type eventMsg rider.Event

type tickMsg time.Time

type doneMsg struct {
	err     error
	booking *model.Booking
}

type uiModel struct {
	machine   machine
	schedule  uint64
	day       time.Time
	capacity  int
	passenger model.Passenger

	seatMap reservation.SeatMap
	cursor  int
	busy    bool
	status  string
	err     error
}

func newModel(schedule uint64, day time.Time, capacity int, p model.Passenger) *uiModel {
	return &uiModel{schedule: schedule, day: day, capacity: capacity, passenger: p, status: "loading seat map..."}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *uiModel) Init() tea.Cmd { return tick() }

func (m *uiModel) seats() int {
	if m.seatMap.TotalSeats > 0 {
		return m.seatMap.TotalSeats
	}
	return m.capacity
}

func (m *uiModel) seatKey(i int) model.SeatKey {
	return model.NewSeatKey(m.schedule, m.day, strconv.Itoa(i+1))
}

func (m *uiModel) run(f func(ctx context.Context) (*model.Booking, error)) tea.Cmd {
	m.busy = true
	m.err = nil
	return func() tea.Msg {
		b, err := f(context.Background())
		return doneMsg{err: err, booking: b}
	}
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tick()
	case eventMsg:
		m.apply(rider.Event(msg))
		return m, nil
	case doneMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
		} else if msg.booking != nil {
			m.status = fmt.Sprintf("booked seat %s, booking %s", strings.Join(msg.booking.SeatNumbers(), ","), msg.booking.BookingID)
		}
		return m, nil
	case tea.KeyMsg:
		return m.key(msg)
	}
	return m, nil
}

func (m *uiModel) apply(ev rider.Event) {
	switch ev.Kind {
	case rider.EventSeatMap:
		m.seatMap = ev.SeatMap
		if m.status == "loading seat map..." {
			m.status = ""
		}
	case rider.EventHeld:
		m.status = "seat " + ev.Seat.SeatNumber + " held, press p to pay"
	case rider.EventExpired:
		m.status = "hold on seat " + ev.Seat.SeatNumber + " expired, select again"
	case rider.EventReleased:
		m.status = "seat " + ev.Seat.SeatNumber + " released"
	case rider.EventConfirmed:
		m.status = "booking " + ev.Booking.BookingID + " confirmed"
	case rider.EventError:
		m.err = ev.Err
	}
}

func (m *uiModel) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	n := m.seats()
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "left", "h":
		if m.cursor > 0 {
			m.cursor--
		}
	case "right", "l":
		if m.cursor < n-1 {
			m.cursor++
		}
	case "up", "k":
		if m.cursor >= seatsPerRow {
			m.cursor -= seatsPerRow
		}
	case "down", "j":
		if m.cursor+seatsPerRow < n {
			m.cursor += seatsPerRow
		}
	case "r":
		return m, m.run(func(ctx context.Context) (*model.Booking, error) {
			m.machine.Refresh(ctx, m.schedule, m.day)
			return nil, nil
		})
	case " ", "enter":
		if m.busy || n == 0 {
			return m, nil
		}
		seat := m.seatKey(m.cursor)
		return m, m.run(func(ctx context.Context) (*model.Booking, error) {
			return nil, m.machine.Toggle(ctx, seat)
		})
	case "p":
		if m.busy {
			return m, nil
		}
		return m, m.run(func(ctx context.Context) (*model.Booking, error) {
			b, err := m.machine.Pay(ctx, m.passenger)
			if err != nil {
				return nil, err
			}
			return &b, nil
		})
	}
	return m, nil
}

func (m *uiModel) View() string {
	var b strings.Builder
	title := fmt.Sprintf("Schedule %d  %s", m.schedule, m.day.Format(model.DateLayout))
	if m.seatMap.RouteName != "" {
		title += "  " + m.seatMap.RouteName + "  " + m.seatMap.BusNumber + "  fare " + m.seatMap.Fare.StringFixed(2)
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	booked := make(map[string]bool, len(m.seatMap.Booked))
	for _, s := range m.seatMap.Booked {
		booked[s] = true
	}
	locked := make(map[string]bool, len(m.seatMap.Locked))
	for _, s := range m.seatMap.Locked {
		locked[s.SeatNumber] = true
	}
	mine, _, holding := m.machine.Selection()

	n := m.seats()
	for i := 0; i < n; i++ {
		num := strconv.Itoa(i + 1)
		cell := fmt.Sprintf("[%3s]", num)
		switch {
		case holding && mine.SeatNumber == num:
			cell = mineStyle.Render(cell)
		case booked[num]:
			cell = bookedStyle.Render(cell)
		case locked[num]:
			cell = lockedStyle.Render(cell)
		default:
			cell = freeStyle.Render(cell)
		}
		if i == m.cursor {
			cell = cursorStyle.Render(cell)
		}
		b.WriteString(cell)
		switch {
		case i%seatsPerRow == seatsPerRow-1:
			b.WriteString("\n")
		case i%seatsPerRow == seatsPerRow/2-1:
			b.WriteString("   ")
		default:
			b.WriteString(" ")
		}
	}
	if n%seatsPerRow != 0 {
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if holding {
		left := m.machine.Remaining().Round(time.Second)
		line := fmt.Sprintf("holding seat %s: %s left", mine.SeatNumber, left)
		if left <= countdownWarn {
			line = errorStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if !m.seatMap.LockStatusAvailable && m.seatMap.ScheduleID != 0 {
		b.WriteString(helpStyle.Render("live lock status unavailable, showing booked seats only") + "\n")
	}
	if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	if m.err != nil {
		msg := m.err.Error()
		if e, ok := apperr.As(m.err); ok {
			msg = e.Message
			if e.Ref != "" {
				msg += " (reference " + e.Ref + ")"
			}
		}
		b.WriteString(errorStyle.Render(msg) + "\n")
	}
	b.WriteString(helpStyle.Render("arrows move  space select/deselect  p pay  r refresh  q quit"))
	return b.String()
}
