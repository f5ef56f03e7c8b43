package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxEntries bounds the feed kept in memory.
const maxEntries = 500

type entryKind int

const (
	entryEvent entryKind = iota
	entrySent
	entryError
)

type entry struct {
	kind  entryKind
	event bus.Event
	title string
	body  string
}

type dispatchResultMsg struct {
	delivery Delivery
	text     string
	err      error
}

type eventMsg bus.Event

type streamClosedMsg struct{}

type model struct {
	ctx      context.Context
	dispatch DispatchFunc
	events   <-chan bus.Event
	info     Info
	channel  string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isSending bool
	lastErr   string
	followLog bool
	streaming bool
	delivered int
	failed    int
}

func newModel(ctx context.Context, dispatch DispatchFunc, events <-chan bus.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "@username Hello! (or /channel vk)"
	in.Focus()
	in.CharLimit = 4096

	ch := info.Channel
	if ch == "" {
		ch = channel.Telegram.String()
	}

	return &model{
		ctx:       ctx,
		dispatch:  dispatch,
		events:    events,
		info:      info,
		channel:   ch,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
		streaming: events != nil,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case eventMsg:
		m.recordEvent(bus.Event(typed))
		return m, waitForEvent(m.events)
	case streamClosedMsg:
		m.streaming = false
		m.addEntry(entry{kind: entryError, title: "STREAM", body: "event stream closed by the gateway"})
		return m, nil
	case dispatchResultMsg:
		m.isSending = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.addEntry(entry{kind: entryError, title: "DISPATCH", body: typed.err.Error()})
			return m, nil
		}
		m.lastErr = ""
		m.addEntry(entry{
			kind:  entrySent,
			title: fmt.Sprintf("%s → %s", typed.delivery.Channel, typed.delivery.RecipientID),
			body:  fmt.Sprintf("%s\n%s", typed.text, m.theme.hint.Render("message "+typed.delivery.MessageID)),
		})
		return m, nil
	case spinner.TickMsg:
		if !m.isSending {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		if typed.String() == "enter" {
			return m, m.submit()
		}
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles the input line: a command, or "<recipient> <text>".
func (m *model) submit() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return nil
	}
	if isExitCommand(line) {
		return tea.Quit
	}

	if rest, ok := strings.CutPrefix(line, "/channel"); ok {
		m.input.SetValue("")
		id, err := channel.ParseID(rest)
		if err != nil {
			m.lastErr = err.Error()
			m.addEntry(entry{kind: entryError, title: "CHANNEL", body: err.Error()})
			return nil
		}
		m.lastErr = ""
		m.channel = id.String()
		return nil
	}

	if m.isSending || m.dispatch == nil {
		return nil
	}

	recipient, text, err := parseDispatchLine(line)
	if err != nil {
		m.lastErr = err.Error()
		m.addEntry(entry{kind: entryError, title: "INPUT", body: err.Error()})
		return nil
	}

	m.input.SetValue("")
	m.lastErr = ""
	m.isSending = true
	m.followLog = true
	return tea.Batch(m.spinner.Tick, dispatchCmd(m.ctx, m.dispatch, m.channel, recipient, text))
}

func parseDispatchLine(line string) (string, string, error) {
	recipient, text, ok := strings.Cut(strings.TrimSpace(line), " ")
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return "", "", fmt.Errorf("expected \"<recipient> <text>\", got %q", line)
	}

	return recipient, text, nil
}

func (m *model) recordEvent(event bus.Event) {
	switch {
	case event.Type.Failed():
		m.failed++
	case event.Type == bus.EventInboundDelivered, event.Type == bus.EventOutboundDelivered, event.Type == bus.EventDispatchDelivered:
		m.delivered++
	}

	m.addEntry(entry{kind: entryEvent, event: event})
}

func (m *model) addEntry(e entry) {
	m.entries = append(m.entries, e)
	if len(m.entries) > maxEntries {
		m.entries = m.entries[len(m.entries)-maxEntries:]
	}
	m.refreshViewport(false)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("chatbridge console")
	stream := "live"
	if !m.streaming {
		stream = "offline"
	}
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"gateway:%s · channel:%s · events:%s · delivered:%d · failed:%d",
		displayOrNA(m.info.Gateway),
		m.channel,
		stream,
		m.delivered,
		m.failed,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · /channel <name> switch · PgUp/PgDn scroll · End latest · Ctrl+C/Esc quit")
	if m.isSending {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s dispatching through %s...", m.spinner.View(), m.channel))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last command failed: " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("Send")+" "+m.theme.hint.Render("(recipient: @username, +phone, id:123 or a VK peer id)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-11)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.kind {
		case entryEvent:
			sections = append(sections, m.renderEvent(item.event))
		case entrySent:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.sentTitle.Render(item.title),
				m.theme.sentBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.body)),
			))
		case entryError:
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.errorTitle.Render(item.title),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.body)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEvent(event bus.Event) string {
	label := m.theme.eventLine.Render(string(event.Type))
	switch {
	case event.Type.Failed():
		label = m.theme.eventFailed.Render(string(event.Type))
	case strings.HasSuffix(string(event.Type), "_delivered"):
		label = m.theme.eventOK.Render(string(event.Type))
	}

	parts := []string{m.theme.eventTime.Render(event.At.Local().Format(time.TimeOnly)), label}
	if event.Channel != "" {
		parts = append(parts, event.Channel)
	}
	if event.Recipient != "" {
		parts = append(parts, "to="+event.Recipient)
	}
	parts = append(parts, formatPayload(event.Payload)...)
	if event.Error != "" {
		parts = append(parts, m.theme.eventFailed.Render(event.Error))
	}

	return strings.Join(parts, " ")
}

func formatPayload(payload map[string]string) []string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+payload[key])
	}
	return out
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

// handleViewportMouse scrolls the feed on wheel events. Scrolling up stops
// following new events until the feed is back at the bottom.
func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	if msg.Button != tea.MouseButtonWheelUp && msg.Button != tea.MouseButtonWheelDown {
		return false
	}

	m.viewport, _ = m.viewport.Update(msg)
	m.followLog = m.viewport.AtBottom()
	return true
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}

	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(event)
	}
}

func dispatchCmd(ctx context.Context, dispatch DispatchFunc, ch, recipient, text string) tea.Cmd {
	return func() tea.Msg {
		delivery, err := dispatch(ctx, ch, recipient, text)
		return dispatchResultMsg{delivery: delivery, text: text, err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
