// Package console is an interactive terminal sink: it shows relayed guild
// chat and sends structured platform messages back to guilds.
package console

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"wynnbridge/pkg/bus"
)

// Conn is a sink connection to the gateway.
type Conn interface {
	Send(event string, payload any) error
	Read() (bus.Frame, error)
}

// Info is shown in the console header.
type Info struct {
	URL   string
	Label string
}

// Run blocks until the operator quits. Frames read from conn are fed to the
// UI; a read error marks the console disconnected.
func Run(conn Conn, info Info) error {
	program := tea.NewProgram(newModel(conn, info), tea.WithAltScreen(), tea.WithMouseCellMotion())

	go func() {
		for {
			frame, err := conn.Read()
			if err != nil {
				program.Send(disconnectedMsg{err: err})
				return
			}
			program.Send(frameMsg{frame: frame})
		}
	}()

	_, err := program.Run()
	return err
}

func decode(frame bus.Frame, dst any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}
