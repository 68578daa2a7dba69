// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix messages to Slack mrkdwn.
//
// Formatted bodies are first normalized from HTML to Markdown, then matrix.to
// permalinks are rewritten to native Slack references.
package matrixfmt

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/net/html"
	"maunium.net/go/mautrix/event"
)

var (
	replyFallbackRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	hardBreakRe     = regexp.MustCompile(`[ \t]+\n`)
	extraNewlinesRe = regexp.MustCompile(`\n{3,}`)
)

var conv = newConverter()

func newConverter() *converter.Converter {
	c := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
		converter.WithEscapeMode(converter.EscapeModeDisabled),
	)
	c.Register.RendererFor("pre", converter.TagTypeBlock, renderPre, converter.PriorityEarly)
	for _, tag := range []string{"strong", "b"} {
		c.Register.RendererFor(tag, converter.TagTypeInline, wrapRenderer("*"), converter.PriorityEarly)
	}
	for _, tag := range []string{"em", "i"} {
		c.Register.RendererFor(tag, converter.TagTypeInline, wrapRenderer("_"), converter.PriorityEarly)
	}
	for _, tag := range []string{"del", "s", "strike"} {
		c.Register.RendererFor(tag, converter.TagTypeInline, wrapRenderer("~"), converter.PriorityEarly)
	}
	return c
}

// renderPre turns <pre><code class="language-X"> into a fenced block tagged
// with X. The code content is trimmed.
func renderPre(_ converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
	content := n
	if code := firstChildElement(n, "code"); code != nil {
		content = code
	}
	lang := languageFromClass(attr(content, "class"))
	w.WriteString("\n\n```")
	w.WriteString(lang)
	w.WriteString("\n")
	w.WriteString(strings.TrimSpace(collectText(content)))
	w.WriteString("\n```\n\n")
	return converter.RenderSuccess
}

// wrapRenderer renders inline emphasis with the single-character Slack
// delimiters.
func wrapRenderer(marker string) converter.HandleRenderFunc {
	return func(ctx converter.Context, w converter.Writer, n *html.Node) converter.RenderStatus {
		var buf bytes.Buffer
		ctx.RenderChildNodes(ctx, &buf, n)
		inner := strings.TrimSpace(buf.String())
		if inner == "" {
			return converter.RenderSuccess
		}
		w.WriteString(marker)
		w.WriteString(inner)
		w.WriteString(marker)
		return converter.RenderSuccess
	}
}

func firstChildElement(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func languageFromClass(class string) string {
	for _, field := range strings.Fields(class) {
		if lang, ok := strings.CutPrefix(field, "language-"); ok {
			return lang
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
		case html.ElementNode:
			if n.Data == "br" {
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// ToMarkdown converts Matrix HTML to Markdown with Slack emphasis markers.
func ToMarkdown(htmlInput string) (string, error) {
	htmlInput = replyFallbackRe.ReplaceAllString(htmlInput, "")
	md, err := conv.ConvertString(htmlInput)
	if err != nil {
		return "", err
	}
	md = hardBreakRe.ReplaceAllString(md, "\n")
	md = extraNewlinesRe.ReplaceAllString(md, "\n\n")
	return strings.TrimSpace(md), nil
}

// Parse converts Matrix message content to Slack mrkdwn. HTML that fails to
// convert falls back to the plain body. User text is escaped, so a typed
// <!channel> never notifies anyone.
func Parse(ctx context.Context, content *event.MessageEventContent, r Resolver) string {
	if content == nil {
		return ""
	}

	text := content.Body
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		if md, err := ToMarkdown(content.FormattedBody); err == nil {
			// The converter leaves some entities encoded. Translate escapes
			// the raw text again.
			text = html.UnescapeString(md)
		}
	}

	return Translate(ctx, text, r)
}
