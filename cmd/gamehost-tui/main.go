package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/agent-racer/gamehost/internal/tui/app"
	"github.com/agent-racer/gamehost/internal/tui/client"
)

func main() {
	wsURL := pflag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the game session host")
	token := pflag.String("token", os.Getenv("GAMEHOST_TOKEN"), "Participant token (see gamehost --mint-token)")
	user := pflag.String("user", "", "Your user id, highlighted in the roster")
	result := pflag.String("result", `{"score":0}`, "Result to submit: a file path or a literal value")
	pflag.Parse()

	data, err := loadResult(*result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ws := client.NewWSClient(*wsURL, *token)
	httpClient := client.NewHTTPClient(client.DeriveHTTPBase(*wsURL), *token)

	m := app.New(ws, httpClient, *user, data)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadResult reads value as a file when one exists at that path and
// otherwise uses it verbatim.
func loadResult(value string) ([]byte, error) {
	info, err := os.Stat(value)
	if err != nil || info.IsDir() {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	return data, nil
}
