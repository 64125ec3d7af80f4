package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/iliyamo/bus-ticketing/internal/model"
	"github.com/iliyamo/bus-ticketing/internal/rider"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		api, token, date, secret, logFile string
		name, email, phone                string
		schedule                          uint64
		seats                             int
		poll                              time.Duration
	)
	flags := pflag.NewFlagSet("bus-rider", pflag.ContinueOnError)
	flags.StringVar(&api, "api", "http://localhost:8080", "booking API base URL")
	flags.StringVar(&token, "token", os.Getenv("RIDER_TOKEN"), "bearer token of the buyer")
	flags.Uint64Var(&schedule, "schedule", 0, "schedule id")
	flags.StringVar(&date, "date", "", "journey date (YYYY-MM-DD)")
	flags.IntVar(&seats, "seats", 0, "seats to draw when the server does not report capacity")
	flags.DurationVar(&poll, "poll", rider.DefaultPollInterval, "seat map refresh interval")
	flags.StringVar(&secret, "gateway-secret", os.Getenv("GATEWAY_SECRET"), "payment gateway test secret for the sandbox checkout")
	flags.StringVar(&name, "name", "", "passenger name")
	flags.StringVar(&email, "email", "", "passenger email")
	flags.StringVar(&phone, "phone", "", "passenger phone")
	flags.StringVar(&logFile, "log", "", "append JSON logs to this file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if token == "" || schedule == 0 || date == "" {
		return errors.New("--token, --schedule and --date are required")
	}
	day, err := model.ParseDate(date)
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("--gateway-secret is required for the sandbox checkout")
	}

	var logOut io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewJSONHandler(logOut, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var program *tea.Program
	ui := newModel(schedule, day, seats, model.Passenger{Name: name, Email: email, Phone: phone})
	machine := rider.New(rider.Options{
		API:      rider.NewClient(api, token, nil),
		Checkout: rider.Sandbox{Secret: secret},
		Logger:   logger,
		OnEvent:  func(ev rider.Event) { program.Send(eventMsg(ev)) },
	})
	ui.machine = machine
	program = tea.NewProgram(ui, tea.WithAltScreen())

	go machine.Poll(ctx, schedule, day, poll)
	_, err = program.Run()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	machine.Close(closeCtx)
	return err
}
