package feed

import "github.com/charmbracelet/lipgloss"

// Color palette.
const (
	ColorHeader   = lipgloss.Color("12")
	ColorLabel    = lipgloss.Color("245")
	ColorValue    = lipgloss.Color("15")
	ColorSelected = lipgloss.Color("14")
	ColorError    = lipgloss.Color("9")
	ColorSubtle   = lipgloss.Color("241")
)

// Text styles.
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorHeader).
			Padding(0, 1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorLabel)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorValue)

	SelectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSelected)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)
)
