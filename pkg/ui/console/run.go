// Package console is the operator terminal for a running gateway: a live
// feed of bus events and an input line that sends direct dispatches.
package console

import (
	"context"
	"fmt"

	"chatbridge/pkg/bus"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Delivery is what the gateway answered for one dispatch.
type Delivery struct {
	Channel     string
	RecipientID string
	MessageID   string
}

// DispatchFunc sends text to recipient through channel.
type DispatchFunc func(ctx context.Context, channel, recipient, text string) (Delivery, error)

// Info describes the gateway the console is attached to.
type Info struct {
	Gateway string
	Channel string
}

// Run blocks until the operator quits. events may be nil when the gateway
// stream is unavailable; the console then only dispatches.
func Run(ctx context.Context, dispatch DispatchFunc, events <-chan bus.Event, info Info) error {
	program := tea.NewProgram(newModel(ctx, dispatch, events, info), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("chatbridge console closed")
}
