package banner

import (
	"github.com/charmbracelet/lipgloss"

	"barista/internal/report"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(report.ColorBanner).
		Bold(true)

	ascii := `
    __                _      __
   / /_  ____ ______(_)____/ /_____ _
  / __ \/ __ '/ ___/ / ___/ __/ __ '/
 / /_/ / /_/ / /  / (__  ) /_/ /_/ /
/_.___/\__,_/_/  /_/____/\__/\__,_/ `

	return "\n" + style.Render(ascii) + "\n" + report.Subtle.Render("microservice benchmarking harness") + "\n"
}
