// Package statustui renders a live bubbletea dashboard over the state
// database: in-flight downloads, their chunk completion ratio, and cache
// occupancy. It is a read-only view — nothing here touches request
// handling, and a refresh error just leaves the last good snapshot on
// screen.
package statustui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"rangeproxy/internal/cache"
	"rangeproxy/internal/state"
)

type theme struct {
	border lipgloss.Style
	title  lipgloss.Style
	head   lipgloss.Style
	row    lipgloss.Style
	ok     lipgloss.Style
	footer lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		border: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).BorderForeground(lipgloss.Color("63")),
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		head:   lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		row:    lipgloss.NewStyle(),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		footer: lipgloss.NewStyle().Faint(true),
	}
}

type tickMsg time.Time

type snapshotMsg struct {
	downloads []state.DownloadSummary
	cacheStat cache.Stat
	err       error
}

// Model is a bubbletea model; construct with New.
type Model struct {
	st          *state.DB
	store       *cache.Store
	th          theme
	prog        progress.Model
	tickEvery   time.Duration
	downloads   []state.DownloadSummary
	cacheStat   cache.Stat
	lastErr     error
	lastRefresh time.Time
	w, h        int
}

// New builds a Model that polls st and store every interval.
func New(st *state.DB, store *cache.Store, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := progress.New(progress.WithDefaultGradient(), progress.WithWidth(20))
	return Model{st: st, store: store, th: defaultTheme(), prog: p, tickEvery: interval}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tea.Tick(m.tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) }))
}

func (m Model) refreshCmd() tea.Cmd {
	st, store := m.st, m.store
	return func() tea.Msg {
		var out snapshotMsg
		if st != nil {
			downloads, err := st.ListActiveDownloads()
			if err != nil {
				out.err = err
			}
			out.downloads = downloads
		}
		if store != nil {
			out.cacheStat = store.Stat()
		}
		return out
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.w, m.h = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tea.Tick(m.tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) }))
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.downloads = msg.downloads
		m.cacheStat = msg.cacheStat
		m.lastRefresh = time.Now()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.th.title.Render("rangeproxy — live downloads"))
	b.WriteString("\n\n")

	if len(m.downloads) == 0 {
		b.WriteString(m.th.row.Render("no active downloads"))
	} else {
		b.WriteString(m.th.head.Render(fmt.Sprintf("%-40s %10s %8s  %s", "URL", "SIZE", "CHUNKS", "PROGRESS")))
		b.WriteString("\n")
		for _, d := range m.downloads {
			url := d.URL
			if len(url) > 40 {
				url = url[:37] + "..."
			}
			line := fmt.Sprintf("%-40s %10s %4d/%-3d  %s", url, humanize.Bytes(uint64(d.TotalSize)), d.CompletedChunks, d.ChunkCount, m.renderProgress(d))
			b.WriteString(m.th.row.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.th.ok.Render(fmt.Sprintf("cache: %d shards, %d entries, %s", m.cacheStat.Shards, m.cacheStat.Entries, humanize.Bytes(uint64(m.cacheStat.TotalBytes)))))
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(fmt.Sprintf("last refresh error: %v\n", m.lastErr))
	}
	b.WriteString(m.th.footer.Render(fmt.Sprintf("refreshed %s ago — q to quit", time.Since(m.lastRefresh).Round(time.Second))))

	return m.th.border.Render(b.String())
}

func (m Model) renderProgress(d state.DownloadSummary) string {
	if d.ChunkCount <= 0 {
		return m.prog.ViewAs(0)
	}
	ratio := float64(d.CompletedChunks) / float64(d.ChunkCount)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return m.prog.ViewAs(ratio)
}
