package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"solana-flywheel-engine/internal/tui"
)

func main() {
	url := os.Getenv("ADMIN_WS_URL")
	if url == "" {
		url = "ws://127.0.0.1:8090/ws"
	}
	token := os.Getenv("ADMIN_AUTH_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_AUTH_TOKEN is required")
		os.Exit(1)
	}

	client := tui.NewBusClient(url, token, []string{
		"job_status", "transactions", "balance_updates", "logs", "reactive_events",
	})
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(tui.NewModel(client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}
