package pipeline

import (
	"bytes"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"techscout/internal/util"
)

// MailReport is the report text recovered from one email, with the names of
// the attachments that contributed to it.
type MailReport struct {
	Subject     string
	Text        string
	Attachments []string
}

// ExtractReportFromEmailRaw rebuilds the agent report carried by a raw RFC 822
// message. The body comes first (plain text, or the HTML part rendered to text
// when it has tables or there is no plain text), followed by every readable
// attachment in order.
func ExtractReportFromEmailRaw(raw []byte) (MailReport, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return MailReport{}, err
	}

	parts := []string{}
	switch {
	case strings.TrimSpace(env.Text) != "" && !htmlCarriesTables(env):
		parts = append(parts, env.Text)
	case strings.TrimSpace(env.HTML) != "":
		parts = append(parts, HTMLToReportText(env.HTML))
	}

	names := make([]string, 0, len(env.Attachments))
	for _, att := range env.Attachments {
		filename := strings.TrimSpace(att.FileName)
		if filename == "" {
			filename = "attachment"
		}
		text, ok := attachmentText(filename, att.Content)
		if !ok {
			continue
		}
		names = append(names, filename)
		parts = append(parts, text)
	}

	return MailReport{
		Subject:     env.GetHeader("Subject"),
		Text:        strings.TrimSpace(strings.Join(parts, "\n\n")),
		Attachments: names,
	}, nil
}

// A report with HTML tables is read from the HTML part: the text alternative
// (or the one enmime derives from HTML) flattens the rows.
func htmlCarriesTables(env *enmime.Envelope) bool {
	return env.HTML != "" && strings.Contains(strings.ToLower(env.HTML), "<table")
}

func attachmentText(filename string, content []byte) (string, bool) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".md"):
		text := strings.TrimSpace(string(content))
		return text, text != ""
	case strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".htm"):
		text := HTMLToReportText(string(content))
		return text, text != ""
	case strings.HasSuffix(lower, ".pdf"):
		text, err := parsePDF(content)
		return text, err == nil && text != ""
	case strings.HasSuffix(lower, ".xlsx"):
		text, err := parseXLSX(content)
		return text, err == nil && text != ""
	}
	return "", false
}

// HTMLToReportText renders an HTML report to the plain-text shape the parser
// reads: block elements end lines, list items become bullets and every table
// row becomes a pipe-delimited row.
func HTMLToReportText(source string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return ""
	}

	doc.Find("script,style,head").Remove()
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := []string{}
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			cells := []string{}
			tr.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, util.CollapseSpaces(strings.ReplaceAll(cell.Text(), "|", "/")))
			})
			if len(cells) > 0 {
				rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
			}
		})
		table.ReplaceWithHtml("\n" + html.EscapeString(strings.Join(rows, "\n")) + "\n")
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("li").PrependHtml("- ")
	doc.Find("h1,h2,h3,h4,h5,h6").PrependHtml("## ")
	doc.Find("p,div,li,h1,h2,h3,h4,h5,h6").AppendHtml("\n")

	return cleanRenderedText(doc.Text())
}

func cleanRenderedText(text string) string {
	out := []string{}
	blank := false
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = util.CollapseSpaces(strings.ReplaceAll(line, "\u00A0", " "))
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func parsePDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	pages := []string{}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, text)
	}
	return cleanRenderedText(strings.Join(pages, "\n")), nil
}

// parseXLSX turns every non-empty sheet row into a pipe row so that a report
// exported to a workbook reads like the table in the chat output.
func parseXLSX(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	lines := []string{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		for _, row := range rows {
			cells := make([]string, 0, len(row))
			empty := true
			for _, c := range row {
				c = util.CollapseSpaces(c)
				if c != "" {
					empty = false
				}
				cells = append(cells, c)
			}
			if empty {
				continue
			}
			if len(cells) == 1 {
				lines = append(lines, cells[0])
				continue
			}
			lines = append(lines, "| "+strings.Join(cells, " | ")+" |")
		}
	}
	return strings.Join(lines, "\n"), nil
}
