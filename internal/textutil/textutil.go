// Package textutil reduces HTML email bodies to plain text before
// embedding-text derivation.
package textutil

import (
	"strings"

	"golang.org/x/net/html"
)

// LooksLikeHTML reports whether s appears to be HTML markup rather than
// plain text. The check is deliberately conservative: plain-text bodies
// mentioning "<" in passing must not be mangled.
func LooksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"<html", "<body", "<div", "<p>", "<p ", "<br", "<table", "<span", "<a href"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// HTMLToText extracts the visible text from an HTML document, skipping
// script and style content, collapsing runs of whitespace into single
// spaces between fragments.
func HTMLToText(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))

	var parts []string
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(parts, " ")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if isInvisible(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if isInvisible(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text != "" {
				parts = append(parts, strings.Join(strings.Fields(text), " "))
			}
		}
	}
}

func isInvisible(tag string) bool {
	return tag == "script" || tag == "style" || tag == "head"
}
