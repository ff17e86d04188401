package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/gamehost/internal/tui/client"
)

// Session is the transport the model drives. *client.WSClient implements it.
type Session interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	Ready(data string) error
	Fault(reason string) error
	PostResults(result []byte) (string, error)
	Reset() error
	Close()
}

// API is the HTTP side of the host. *client.HTTPClient implements it.
type API interface {
	GetSession() (*client.SessionInfo, error)
}

type player struct {
	userID string
	status client.PlayerStatus
	data   string
}

// sessionInfoMsg carries the result of GET /api/session.
type sessionInfoMsg struct {
	info *client.SessionInfo
	err  error
}

// actionMsg reports the outcome of a websocket write.
type actionMsg struct {
	what      string
	requestID string
	err       error
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     Session
	api    API
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	help   help.Model
	width  int
	height int

	self   string
	result []byte

	players map[string]*player
	order   []string
	state   string

	p2pToken  string
	pendingID string
	answered  string
	outcome   string
	lastErr   string
	rejected  string

	connected bool
}

// New creates the root model. self highlights the local participant in the
// roster; result is what the submit key sends.
func New(ws Session, api API, self string, result []byte) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:      ws,
		api:     api,
		ctx:     ctx,
		cancel:  cancel,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		self:    self,
		result:  result,
		players: make(map[string]*player),
		state:   "waiting_players",
	}
}

// Init starts the websocket connection and fetches the roster.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), m.fetchSession())
}

func (m Model) fetchSession() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		if api == nil {
			return nil
		}
		info, err := api.GetSession()
		return sessionInfoMsg{info: info, err: err}
	}
}

func (m Model) action(what string, fn func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		id, err := fn()
		return actionMsg{what: what, requestID: id, err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.lastErr = ""
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.fetchSession())

	case client.WSDisconnectedMsg:
		m.connected = false
		return m, m.ws.Listen(m.ctx)

	case client.WSRejectedMsg:
		m.connected = false
		m.rejected = msg.Reason
		if m.rejected == "" {
			m.rejected = "connection rejected"
		}
		return m, nil

	case sessionInfoMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.applySession(msg.info)
		return m, nil

	case client.PlayerUpdateMsg:
		m.applyUpdate(msg.Payload)
		// Updates do not carry the session state; refresh it alongside.
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.fetchSession())

	case client.ServerStartedMsg:
		m.state = "started"
		if msg.Payload.P2PToken != "" {
			m.p2pToken = msg.Payload.P2PToken
		}
		return m, m.ws.ReadLoop(m.ctx)

	case client.P2PTokenMsg:
		m.p2pToken = msg.Token
		return m, m.ws.ReadLoop(m.ctx)

	case client.ResultsMsg:
		// The reply can overtake the actionMsg of its own submission.
		m.answered = msg.ID
		m.pendingID = ""
		m.outcome = formatOutcome(msg.Payload)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		if id := msg.Payload.ID; id != "" {
			m.answered = id
			if id == m.pendingID {
				m.pendingID = ""
			}
		}
		m.lastErr = msg.Payload.Message
		return m, m.ws.ReadLoop(m.ctx)

	case actionMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.what, msg.err)
			return m, nil
		}
		if msg.what == "submit" && msg.requestID != m.answered {
			m.pendingID = msg.requestID
			m.outcome = ""
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		if m.ws != nil {
			m.ws.Close()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Ready):
		ws := m.ws
		return m, m.action("ready", func() (string, error) { return "", ws.Ready("") })

	case key.Matches(msg, m.keys.Fault):
		ws := m.ws
		return m, m.action("fault", func() (string, error) { return "", ws.Fault("reported by player") })

	case key.Matches(msg, m.keys.Submit):
		if m.pendingID != "" {
			m.lastErr = "result already submitted, waiting for the other players"
			return m, nil
		}
		ws, result := m.ws, m.result
		return m, m.action("submit", func() (string, error) { return ws.PostResults(result) })

	case key.Matches(msg, m.keys.Reset):
		ws := m.ws
		m.outcome = ""
		m.pendingID = ""
		return m, m.action("reset", func() (string, error) { return "", ws.Reset() })

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchSession()
	}

	return m, nil
}

func (m *Model) applySession(info *client.SessionInfo) {
	if info == nil {
		return
	}
	m.state = info.State
	m.players = make(map[string]*player, len(info.Clients))
	for _, c := range info.Clients {
		m.players[c.UserID] = &player{
			userID: c.UserID,
			status: client.ParseStatus(c.Status),
			data:   c.FaultReason,
		}
	}
	m.rebuildOrder()
}

func (m *Model) applyUpdate(u client.PlayerUpdate) {
	p, ok := m.players[u.UserID]
	if !ok {
		p = &player{userID: u.UserID}
		m.players[u.UserID] = p
	}
	p.status = u.Status
	p.data = u.Data
	m.rebuildOrder()
}

func (m *Model) rebuildOrder() {
	m.order = make([]string, 0, len(m.players))
	for id := range m.players {
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.renderStatusBar(),
		m.renderRoster(),
	}
	if m.p2pToken != "" {
		sections = append(sections, StyleDimmed.Render("  p2p token: "+truncate(m.p2pToken, 40)))
	}
	if m.pendingID != "" {
		sections = append(sections, StyleDimmed.Render("  result submitted, waiting for the other players..."))
	}
	if m.outcome != "" {
		sections = append(sections, StyleBorder.Render(StyleHeader.Render("Outcome")+"\n"+m.outcome))
	}
	if m.lastErr != "" {
		sections = append(sections, StyleError.Render("  "+m.lastErr))
	}
	sections = append(sections, "  "+m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatusBar() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch {
	case m.rejected != "":
		connStr = lipgloss.NewStyle().Foreground(ColorDanger).Render("✗ Rejected: " + m.rejected)
	case m.connected:
		connStr = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	default:
		connStr = lipgloss.NewStyle().Foreground(ColorWarning).Render("○ Reconnecting...")
	}

	stateStr := lipgloss.NewStyle().Foreground(StateColor(m.state)).Render(strings.ReplaceAll(m.state, "_", " "))
	ready := 0
	for _, p := range m.players {
		if p.status == client.StatusReady {
			ready++
		}
	}
	counts := fmt.Sprintf("%d/%d ready", ready, len(m.players))

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		Background(ColorBg).
		Render(connStr + sep + stateStr + sep + counts)
}

func (m Model) renderRoster() string {
	lines := []string{StyleHeader.Render("=== PLAYERS ===")}
	for _, id := range m.order {
		p := m.players[id]
		prefix := "  "
		if id == m.self {
			prefix = "> "
		}
		color := StatusColor(p.status)
		line := prefix + lipgloss.NewStyle().Foreground(color).Render(StatusGlyph(p.status)+" "+truncate(id, 24)) +
			"  " + lipgloss.NewStyle().Foreground(color).Render(p.status.String())
		if p.data != "" {
			line += "  " + StyleDimmed.Render(truncate(p.data, 40))
		}
		lines = append(lines, line)
	}
	if len(m.order) == 0 {
		lines = append(lines, StyleDimmed.Render("  No players yet"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func formatOutcome(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-1] + "…"
	}
	return s
}
