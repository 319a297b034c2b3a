package main

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/mahaj/dupahar-chat/pkg/chat"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#25D366"))
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#128C7E"))
	typingStyle   = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#7FE0A0"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	seenStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FE0A0"))

	ownBubble = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#25D366")).
			Padding(0, 1)
	peerBubble = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25D366")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#128C7E")).
			BorderLeft(true).
			Padding(0, 1)
)

const presenceRefresh = 30 * time.Second

// core is the part of chat.Client the UI drives.
type core interface {
	SendActive(text string)
	Keystroke()
	Clear(peerID string)
	Resend(localID string)
	View(ctx context.Context, peerID string) (chat.View, error)
}

type (
	updateMsg chat.Update
	viewMsg   struct {
		view chat.View
		err  error
	}
	tickMsg time.Time
)

type chatModel struct {
	ctx     context.Context
	core    core
	me      model.Identity
	peer    model.User
	updates <-chan chat.Update
	state   func() realtime.State

	view     chat.View
	err      error
	input    textinput.Model
	viewport viewport.Model
	ready    bool
	width    int
}

func newChatModel(ctx context.Context, c core, me model.Identity, peer model.User, updates <-chan chat.Update, state func() realtime.State) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message"
	ti.CharLimit = 4000
	ti.Focus()
	return chatModel{
		ctx:     ctx,
		core:    c,
		me:      me,
		peer:    peer,
		updates: updates,
		state:   state,
		input:   ti,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForUpdate(), m.refresh(), tick())
}

func (m chatModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return nil
		}
		return updateMsg(u)
	}
}

func (m chatModel) refresh() tea.Cmd {
	ctx, c, peer := m.ctx, m.core, m.peer.ID
	return func() tea.Msg {
		v, err := c.View(ctx, peer)
		return viewMsg{view: v, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(presenceRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if after := m.input.Value(); after != before && strings.TrimSpace(after) != "" {
			m.core.Keystroke()
		}
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := msg.Height - 4 // header, subtitle, input, margin
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = msg.Width - 4
		m.syncViewport()

	case updateMsg:
		cmds = append(cmds, m.waitForUpdate())
		if msg.PeerID == "" || msg.PeerID == m.peer.ID {
			cmds = append(cmds, m.refresh())
		}

	case viewMsg:
		m.err = msg.err
		if msg.err == nil {
			m.view = msg.view
			m.syncViewport()
		}

	case tickMsg:
		cmds = append(cmds, m.refresh(), tick())
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit sends the composer contents or runs a slash command.
func (m chatModel) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	m.input.Reset()

	switch strings.TrimSpace(text) {
	case "":
		return m, nil
	case "/quit":
		return m, tea.Quit
	case "/clear":
		m.core.Clear(m.peer.ID)
	case "/retry":
		if id := lastFailed(m.view.Messages, m.me.ID); id != "" {
			m.core.Resend(id)
		}
	default:
		m.core.SendActive(text)
	}
	return m, m.refresh()
}

func (m *chatModel) syncViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderMessages(m.view.Messages, m.me.ID, m.width))
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(displayName(m.peer)))
	b.WriteString("\n")
	b.WriteString(m.subtitle())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m chatModel) subtitle() string {
	var parts []string
	if p := m.view.Presence; p != "" {
		parts = append(parts, subtitleStyle.Render(p))
	}
	if m.view.Typing {
		parts = append(parts, typingStyle.Render("typing..."))
	}
	if m.state != nil {
		if st := m.state(); st != realtime.StateConnected {
			parts = append(parts, warnStyle.Render(st.String()))
		}
	}
	if m.err != nil {
		parts = append(parts, warnStyle.Render(m.err.Error()))
	}
	return strings.Join(parts, " · ")
}

func renderMessages(msgs []model.Message, me string, width int) string {
	if len(msgs) == 0 {
		return timeStyle.Render("No messages yet.")
	}
	if width <= 0 {
		width = 80
	}
	maxBubble := width * 3 / 5
	if maxBubble < 10 {
		maxBubble = 10
	}

	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		meta := timeStyle.Render(formatTime(msg.CreatedAt))
		if msg.SenderID == me {
			body := ownBubble.MaxWidth(maxBubble).Render(msg.Text)
			line := lipgloss.JoinHorizontal(lipgloss.Bottom, body, " ", meta, " ", ticks(msg.Status))
			lines = append(lines, lipgloss.PlaceHorizontal(width, lipgloss.Right, line))
			continue
		}
		body := peerBubble.MaxWidth(maxBubble).Render(msg.Text)
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Bottom, body, " ", meta))
	}
	return strings.Join(lines, "\n")
}

func ticks(s model.Status) string {
	switch s {
	case model.StatusPending:
		return timeStyle.Render("…")
	case model.StatusFailed:
		return warnStyle.Render("! /retry")
	case model.StatusSent:
		return "✓"
	case model.StatusDelivered:
		return "✓✓"
	case model.StatusSeen:
		return seenStyle.Render("✓✓")
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}

// lastFailed returns the newest failed message of mine, if any.
func lastFailed(msgs []model.Message, me string) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID == me && msgs[i].Status == model.StatusFailed {
			return msgs[i].ID
		}
	}
	return ""
}

func displayName(u model.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Phone != "" {
		return u.Phone
	}
	return u.ID
}

// resolvePeer finds the user named by query: an id, a phone number or a
// unique display name.
func resolvePeer(users []model.User, query string) (model.User, error) {
	for _, u := range users {
		if u.ID == query || u.Phone == query {
			return u, nil
		}
	}
	var matches []model.User
	for _, u := range users {
		if strings.EqualFold(u.DisplayName, query) {
			matches = append(matches, u)
		}
	}
	switch len(matches) {
	case 0:
		return model.User{}, errors.Errorf("no user matches %q", query)
	case 1:
		return matches[0], nil
	}
	return model.User{}, errors.Errorf("%d users are named %q, use a phone number", len(matches), query)
}
