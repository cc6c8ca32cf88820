package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerFurrowStyle  = lipgloss.NewStyle().Foreground(colorPrimaryDark)
	bannerSproutStyle  = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimary).Italic(true)
	bannerVersionStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func renderBanner() string {
	furrow := bannerFurrowStyle.Render("~")
	sprout := bannerSproutStyle.Render("ψ")
	title := bannerTitleStyle.Render("FARMSYNC")

	row := func(pad int) string {
		return strings.Repeat(" ", pad) + strings.Repeat(furrow+" ", 6)
	}

	lines := []string{
		"      " + sprout + "   " + sprout + "   " + sprout,
		row(3),
		"     " + title,
		row(3),
	}
	return strings.Join(lines, "\n")
}

func renderBannerWithTagline() string {
	tagline := bannerTaglineStyle.Render("   capture in the field, sync when you can")
	ver := bannerVersionStyle.Render("           " + version)
	return strings.Join([]string{renderBanner(), tagline, ver}, "\n")
}
