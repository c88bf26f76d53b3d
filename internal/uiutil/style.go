// Package uiutil holds the console-facing helpers shared by every run-deploy
// binary: ANSI styling, aligned table rendering, and subprocess env filtering.
package uiutil

import (
	"os"
	"regexp"
	"strings"
)

var ansiEnabled = initAnsiEnabled()

func initAnsiEnabled() bool {
	if strings.TrimSpace(os.Getenv("NO_COLOR")) != "" || strings.TrimSpace(os.Getenv("RUN_DEPLOY_NO_COLOR")) != "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb") {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" && force != "0" {
		return true
	}
	return false
}

func ansi(codes ...string) string {
	return "\x1b[" + strings.Join(codes, ";") + "m"
}

func colorize(s string, codes ...string) string {
	if !ansiEnabled || s == "" {
		return s
	}
	return ansi(codes...) + s + ansi("0")
}

func StyleDim(s string) string     { return colorize(s, "90") }
func StyleInfo(s string) string    { return colorize(s, "36") }
func StyleSuccess(s string) string { return colorize(s, "32") }
func StyleWarn(s string) string    { return colorize(s, "33") }
func StyleError(s string) string   { return colorize(s, "31") }

var ansiStripRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiStripRe.ReplaceAllString(s, "")
}
