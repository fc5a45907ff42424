package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lexmic/bus"
	"lexmic/capture"
	"lexmic/intent"
	"lexmic/lex"
	"lexmic/pipeline"
)

// TUI message types
type stateMsg capture.StateEvent
type responseMsg struct {
	Transcript string
	Intent     string
	Reply      string
}
type errorMsg struct{ Text string }
type tickMsg time.Time

const historySize = 6

type exchange struct {
	transcript string
	intent     string
	reply      string
}

type tuiModel struct {
	pub         bus.Publisher
	state       string
	startedAt   time.Time
	now         time.Time
	maxDuration time.Duration
	device      string
	bot         string
	combo       string
	history     []exchange // newest last
	lastErr     string
	queries     int
	width       int
	height      int
}

func newTUIModel(pub bus.Publisher, device, bot, combo string, maxDuration time.Duration) tuiModel {
	return tuiModel{
		pub:         pub,
		state:       capture.StateIdle.String(),
		maxDuration: maxDuration,
		device:      device,
		bot:         bot,
		combo:       combo,
	}
}

// bindTUI forwards bus events to send, which is tea.Program.Send in
// production.
func bindTUI(send func(tea.Msg), b bus.Subscriber) func() {
	unsubs := []func(){
		b.Subscribe(bus.TopicState, func(ev bus.Event) {
			if se, ok := ev.Payload.(capture.StateEvent); ok {
				send(stateMsg(se))
			}
		}),
		b.Subscribe(bus.TopicResponse, func(ev bus.Event) {
			if r, ok := ev.Payload.(*lex.Response); ok {
				send(responseMsg{Transcript: r.InputTranscript, Intent: r.IntentName, Reply: intent.Reply(r)})
			}
		}),
		b.Subscribe(bus.TopicPipelineError, func(ev bus.Event) {
			if se, ok := ev.Payload.(*pipeline.StageError); ok {
				send(errorMsg{Text: fmt.Sprintf("%s failed: %v", se.Stage, se.Err)})
			}
		}),
		b.Subscribe(bus.TopicQueryError, func(ev bus.Event) {
			if qe, ok := ev.Payload.(*lex.QueryError); ok {
				send(errorMsg{Text: fmt.Sprintf("query failed: %v", qe.Err)})
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "enter", " ":
			// local push-to-talk toggle for terminals without a global hotkey
			if m.state == capture.StateIdle.String() {
				m.pub.Publish(bus.TopicMicDown, nil)
			} else if m.state == capture.StateRecording.String() {
				m.pub.Publish(bus.TopicMicUp, nil)
			}
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tuiTick()

	case stateMsg:
		if msg.State == capture.StateRecording.String() && m.state != msg.State {
			m.startedAt = time.Now()
			m.now = m.startedAt
			m.lastErr = ""
		}
		m.state = msg.State
		if msg.Device != "" {
			m.device = msg.Device
		}

	case responseMsg:
		m.queries++
		m.history = append(m.history, exchange{transcript: msg.Transcript, intent: msg.Intent, reply: msg.Reply})
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}

	case errorMsg:
		m.lastErr = msg.Text
	}
	return m, nil
}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	standbyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	youStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	intentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpBold     = helpStyle.Bold(true)
)

func (m tuiModel) elapsed() time.Duration {
	if m.state != capture.StateRecording.String() || m.now.Before(m.startedAt) {
		return 0
	}
	return m.now.Sub(m.startedAt)
}

// limitBar shows how much of the recording limit has been used.
func limitBar(elapsed, limit time.Duration, width int) string {
	if limit <= 0 || width <= 0 {
		return ""
	}
	filled := int(float64(width) * float64(elapsed) / float64(limit))
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("·", width-filled) + "]"
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	wrapWidth := max(m.width-4, 10)

	var lines []string
	switch m.state {
	case capture.StateRecording.String():
		el := m.elapsed()
		lines = append(lines,
			recStyle.Render(fmt.Sprintf("● REC %.1fs", el.Seconds())),
			warnStyle.Render(limitBar(el, m.maxDuration, 30)))
	case capture.StateStopping.String():
		lines = append(lines, busyStyle.Render("◌ FINALIZING"))
	default:
		lines = append(lines, standbyStyle.Render("○ STANDBY"))
	}

	device := m.device
	if device == "" {
		device = "system default"
	}
	lines = append(lines, infoStyle.Render("mic: "+device))
	if m.bot != "" {
		lines = append(lines, infoStyle.Render(fmt.Sprintf("bot: %s (%d queries)", m.bot, m.queries)))
	} else {
		lines = append(lines, warnStyle.Render("bot: none configured"))
	}
	lines = append(lines, "")

	if len(m.history) == 0 {
		lines = append(lines, standbyStyle.Render("Nothing said yet"))
	}
	for _, ex := range m.history {
		you := ex.transcript
		if you == "" {
			you = "(not understood)"
		}
		for _, l := range wrapText("you: "+you, wrapWidth) {
			lines = append(lines, youStyle.Render(l))
		}
		if ex.intent != "" {
			lines = append(lines, intentStyle.Render("     ["+ex.intent+"]"))
		}
		for _, l := range wrapText("bot: "+ex.reply, wrapWidth) {
			lines = append(lines, botStyle.Render(l))
		}
		lines = append(lines, "")
	}

	if m.lastErr != "" {
		for _, l := range wrapText("⚠ "+m.lastErr, wrapWidth) {
			lines = append(lines, warnStyle.Render(l))
		}
		lines = append(lines, "")
	}

	lines = append(lines,
		helpBold.Render(m.combo)+helpStyle.Render(" or enter to talk, q to quit"),
		helpStyle.Render("lexmic "+version))

	return lipgloss.NewStyle().
		Width(m.width).
		MaxHeight(m.height).
		PaddingLeft(1).
		Render(strings.Join(lines, "\n"))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	runes := []rune(text)
	var lines []string
	for len(runes) > width {
		// break at the last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		runes = []rune(strings.TrimLeft(string(runes[splitAt:]), " "))
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
