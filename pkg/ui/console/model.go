package console

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"wynnbridge/pkg/bus"
)

const maxEntries = 500

type entryKind int

const (
	entryRelay entryKind = iota
	entrySent
	entryNotice
	entryError
)

type entry struct {
	kind    entryKind
	at      time.Time
	guild   string
	channel string
	relay   bus.RelayMessage
	author  string
	content string
}

type frameMsg struct{ frame bus.Frame }

type disconnectedMsg struct{ err error }

type sentMsg struct {
	msg bus.PlatformMessage
	err error
}

type model struct {
	conn Conn
	info Info
	now  func() time.Time

	theme     theme
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	followLog bool
	lastErr   string
	closed    bool
	relayed   int
}

func newModel(conn Conn, info Info) *model {
	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "<guild> <author>: <message>"
	in.Focus()
	in.CharLimit = 0

	return &model{
		conn:      conn,
		info:      info,
		now:       time.Now,
		theme:     defaultTheme(),
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
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
	case frameMsg:
		m.handleFrame(typed.frame)
		m.refreshViewport(false)
		return m, nil
	case disconnectedMsg:
		m.closed = true
		reason := "connection closed"
		if typed.err != nil {
			reason = typed.err.Error()
		}
		m.append(entry{kind: entryError, content: reason})
		m.refreshViewport(false)
		return m, nil
	case sentMsg:
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.append(entry{kind: entryError, content: typed.err.Error()})
		} else {
			m.lastErr = ""
			m.append(entry{kind: entrySent, guild: typed.msg.GuildID, author: typed.msg.Author, content: typed.msg.Content})
		}
		m.refreshViewport(true)
		return m, nil
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

func (m *model) submit() tea.Cmd {
	value := strings.TrimSpace(m.input.Value())
	if value == "" {
		return nil
	}
	if isExitCommand(value) {
		return tea.Quit
	}

	msg, err := ParseOutbound(value)
	if err != nil {
		m.lastErr = err.Error()
		return nil
	}
	if m.closed {
		m.lastErr = "not connected"
		return nil
	}

	m.lastErr = ""
	m.input.SetValue("")
	m.followLog = true
	return sendCmd(m.conn, msg)
}

func (m *model) handleFrame(frame bus.Frame) {
	switch frame.Type {
	case bus.WireChat:
		var relay bus.RelayMessage
		if err := decode(frame, &relay); err != nil {
			m.append(entry{kind: entryError, content: err.Error()})
			return
		}
		m.relayed++
		m.append(entry{kind: entryRelay, channel: relay.ListeningChannel, relay: relay})
	case bus.WirePlatform:
		var notice bus.PlatformMessage
		if err := decode(frame, &notice); err != nil {
			m.append(entry{kind: entryError, content: err.Error()})
			return
		}
		m.append(entry{kind: entryNotice, author: notice.Author, content: notice.Content})
	}
}

func (m *model) append(e entry) {
	if e.at.IsZero() {
		e.at = m.now()
	}
	m.entries = append(m.entries, e)
	if len(m.entries) > maxEntries {
		m.entries = m.entries[len(m.entries)-maxEntries:]
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("📡 wynnbridge sink console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"gateway:%s · as:%s · relayed:%d",
		displayOrNA(m.info.URL),
		displayOrNA(m.info.Label),
		m.relayed,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.closed {
		status = m.theme.statusErr.Render("🚨 disconnected from gateway")
	} else if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("✉️  Send")+" "+m.theme.hint.Render("(<guild> <author>: <message>, or exit)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) renderEntry(e entry) string {
	stamp := m.theme.hint.Render(e.at.Format("15:04:05"))
	switch e.kind {
	case entryRelay:
		label := m.theme.relayTag.Render("#" + displayOrNA(e.channel))
		switch e.relay.MessageType {
		case 1:
			label = m.theme.infoTag.Render("#" + displayOrNA(e.channel) + " info")
		case 2:
			label = m.theme.onlyTag.Render("#" + displayOrNA(e.channel) + " direct")
		}
		return fmt.Sprintf("%s %s %s %s", stamp, label,
			m.theme.author.Render(e.relay.HeaderContent),
			m.theme.body.Render(e.relay.TextContent))
	case entrySent:
		return fmt.Sprintf("%s %s %s %s", stamp, m.theme.sentTag.Render("→ "+e.guild),
			m.theme.author.Render(e.author), m.theme.body.Render(e.content))
	case entryNotice:
		return fmt.Sprintf("%s %s %s %s", stamp, m.theme.noticeTag.Render("notice"),
			m.theme.author.Render(e.author), m.theme.body.Render(e.content))
	default:
		return fmt.Sprintf("%s %s %s", stamp, m.theme.errorTag.Render("ERROR"), e.content)
	}
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, m.renderEntry(e))
	}

	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
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

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

// ParseOutbound reads "<guild> <author>: <message>" into a platform message.
func ParseOutbound(input string) (bus.PlatformMessage, error) {
	guild, rest, ok := strings.Cut(strings.TrimSpace(input), " ")
	if !ok {
		return bus.PlatformMessage{}, errors.New("expected <guild> <author>: <message>")
	}
	author, content, ok := strings.Cut(rest, ":")
	author = strings.TrimSpace(author)
	content = strings.TrimSpace(content)
	if !ok || author == "" || content == "" {
		return bus.PlatformMessage{}, errors.New("expected <guild> <author>: <message>")
	}

	return bus.PlatformMessage{Author: author, Content: content, GuildID: guild}, nil
}

func sendCmd(conn Conn, msg bus.PlatformMessage) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{msg: msg, err: conn.Send(bus.WirePlatform, msg)}
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
