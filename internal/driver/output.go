package driver

import (
	"fmt"
	"io"
	"os"
	"strings"

	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorGreen = lipgloss.Color("#22c55e")
	colorBlue  = lipgloss.Color("#3b82f6")
	colorDim   = lipgloss.Color("#6b7280")
	colorWhite = lipgloss.Color("#f9fafb")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	addressStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorGreen)
)

// maxListed bounds how many regions and images are shown.
const maxListed = 10

// Printer writes the run's user facing output. Styling is only applied on a
// terminal; otherwise the address is printed on a line of its own so scripts
// can capture it.
type Printer struct {
	out    io.Writer
	styled bool
}

// NewPrinter styles output when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, styled: isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Capabilities prints discovered regions and images.
func (p *Printer) Capabilities(caps *orchestrator.Capabilities) {
	if !p.styled {
		return
	}
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("  Regions (%d)", len(caps.Regions))))
	b.WriteString("\n")
	for i, r := range caps.Regions {
		if i == maxListed {
			b.WriteString(dimStyle.Render(fmt.Sprintf("    ... and %d more", len(caps.Regions)-maxListed)))
			b.WriteString("\n")
			break
		}
		fmt.Fprintf(&b, "    %-16s %s\n", r.Slug, dimStyle.Render(r.Name))
	}
	if len(caps.Images) > 0 {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("  Images (%d)", len(caps.Images))))
		b.WriteString("\n")
		for i, img := range caps.Images {
			if i == maxListed {
				b.WriteString(dimStyle.Render(fmt.Sprintf("    ... and %d more", len(caps.Images)-maxListed)))
				b.WriteString("\n")
				break
			}
			fmt.Fprintf(&b, "    %s\n", img.String())
		}
	}
	fmt.Fprint(p.out, b.String())
}

// Ready prints the address of the ready instance.
func (p *Printer) Ready(h *provisioning.InstanceHandle) {
	if !p.styled {
		fmt.Fprintln(p.out, h.Address())
		return
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  %s is ready", h.Name)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 30)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "    Provider:  %s\n", h.Provider)
	fmt.Fprintf(&b, "    ID:        %s\n", h.ID)
	fmt.Fprintf(&b, "    Region:    %s\n", h.Region)
	fmt.Fprintf(&b, "    Address:   %s\n", addressStyle.Render(h.Address()))
	fmt.Fprint(p.out, b.String())
}

// SSH prints the probe command output.
func (p *Printer) SSH(output string) {
	if !p.styled {
		return
	}
	fmt.Fprintf(p.out, "    SSH:       %s\n", dimStyle.Render(strings.TrimSpace(output)))
}

// Deleted confirms the teardown.
func (p *Printer) Deleted(h *provisioning.InstanceHandle) {
	if !p.styled {
		return
	}
	fmt.Fprintf(p.out, "    %s\n", dimStyle.Render(fmt.Sprintf("%s deleted", h.ID)))
}
