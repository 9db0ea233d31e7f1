package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// invisibleContent never renders as page text.
const invisibleContent = "script, style, noscript, template, svg, [hidden], [aria-hidden=true]"

// PageMarkdown renders the live document as Markdown, with links resolved
// against the page URL.
func (s *Session) PageMarkdown(ctx context.Context) (string, error) {
	src, ok := s.tab.(driver.SourceTab)
	if !ok {
		return "", fmt.Errorf("page markdown: %w", ErrUnsupported)
	}
	ctx, done, err := s.begin(ctx, "page markdown")
	if err != nil {
		return "", err
	}
	defer done()

	markup, err := src.OuterHTML(ctx)
	if err != nil {
		s.fail(err)
		return "", err
	}
	return ToMarkdown(markup, s.PageState().URL)
}

// ToMarkdown converts an HTML document to Markdown after dropping content
// that is never shown.
func ToMarkdown(markup, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	doc.Find(invisibleContent).Remove()
	body, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to serialize page: %w", err)
	}

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	var md string
	if pageURL != "" {
		md, err = conv.ConvertString(body, converter.WithDomain(pageURL))
	} else {
		md, err = conv.ConvertString(body)
	}
	if err != nil {
		return "", fmt.Errorf("failed to convert page: %w", err)
	}
	return strings.TrimSpace(md), nil
}
