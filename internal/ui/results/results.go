// Package results provides an interactive terminal browser over the
// exploitable fault combinations found by a simulation run.
package results

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/armory/internal/armory"
	"github.com/zboralski/armory/internal/ui/faultprint"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type item struct {
	idx   int
	chain armory.FaultCombination
}

func (i item) Title() string {
	return fmt.Sprintf("#%d  %d fault(s)", i.idx, i.chain.Len())
}

func (i item) Description() string {
	f := i.chain.Faults[0]
	return fmt.Sprintf("%s t=%d @ 0x%08x", f.Kind, f.Time, f.Addr)
}

func (i item) FilterValue() string { return i.Description() }

type browser struct {
	list     list.Model
	printer  *faultprint.Printer
	selected *item
}

func (b browser) Init() tea.Cmd { return nil }

func (b browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.list.SetSize(msg.Width, msg.Height-1)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "enter":
			if it, ok := b.list.SelectedItem().(item); ok {
				b.selected = &it
			}
			return b, nil
		case "esc":
			if b.selected != nil {
				b.selected = nil
				return b, nil
			}
		}
	}
	var cmd tea.Cmd
	b.list, cmd = b.list.Update(msg)
	return b, cmd
}

func (b browser) View() string {
	if b.selected != nil {
		var sb strings.Builder
		sb.WriteString(titleStyle.Render(b.selected.Title()) + "\n\n")
		for _, f := range b.selected.chain.Faults {
			sb.WriteString(b.printer.FaultLine(f) + "\n")
		}
		sb.WriteString(fmt.Sprintf("\nfingerprint %016x", b.selected.chain.Fingerprint()))
		return detailStyle.Render(sb.String()) + "\n" +
			helpStyle.Render("esc back · q quit")
	}
	return b.list.View() + "\n" + helpStyle.Render("enter detail · q quit")
}

// Browse opens the interactive finding browser.
func Browse(combos []armory.FaultCombination, printer *faultprint.Printer) error {
	items := make([]list.Item, len(combos))
	for i, c := range combos {
		items[i] = item{idx: i + 1, chain: c}
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "exploitable fault combinations"

	p := tea.NewProgram(browser{list: l, printer: printer}, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
