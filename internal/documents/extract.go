// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package documents

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content types with text extraction
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeCSV      = "text/csv"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
	TypeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Extraction is the text pulled out of an uploaded file
type Extraction struct {
	Text   string `json:"-"`
	Title  string `json:"title,omitempty"`
	Method string `json:"method"`
	Pages  int    `json:"pages,omitempty"`
}

var extensionTypes = map[string]string{
	".txt":  TypePlain,
	".md":   TypeMarkdown,
	".csv":  TypeCSV,
	".htm":  TypeHTML,
	".html": TypeHTML,
	".pdf":  TypePDF,
	".docx": TypeDOCX,
}

// DetectContentType normalizes declared, dropping parameters. When it is
// empty or generic the type is guessed from the filename extension.
func DetectContentType(declared, filename string) string {
	ct := declared
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		ct = mt
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		mt, _, _ := mime.ParseMediaType(t)
		return mt
	}
	return "application/octet-stream"
}

// Extract returns the text of data according to contentType. Types with
// no extractor return an empty Extraction with method "none".
func Extract(contentType string, data []byte) (*Extraction, error) {
	switch contentType {
	case TypePlain, TypeMarkdown, TypeCSV:
		return &Extraction{Text: strings.ToValidUTF8(string(data), ""), Method: "text"}, nil
	case TypeHTML:
		return extractHTML(data)
	case TypeDOCX:
		return extractDOCX(data)
	case TypePDF:
		return extractPDF(data)
	default:
		return &Extraction{Method: "none"}, nil
	}
}

var excessiveLines = regexp.MustCompile(`\n{3,}`)

func extractHTML(data []byte) (*Extraction, error) {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	conv.Remove("script", "style", "noscript")

	text, err := conv.ConvertString(string(data))
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	text = strings.TrimSpace(excessiveLines.ReplaceAllString(text, "\n\n"))
	return &Extraction{Text: text, Title: htmlTitle(data), Method: "html"}, nil
}

func htmlTitle(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.Join(strings.Fields(n.FirstChild.Data), " ")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// extractDOCX reads paragraph text from word/document.xml.
func extractDOCX(data []byte) (*Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, errors.New("open docx: word/document.xml not found")
	}
	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open docx body: %w", err)
	}
	defer rc.Close()

	var (
		out       strings.Builder
		paragraph strings.Builder
		inText    bool
	)
	dec := xml.NewDecoder(io.LimitReader(rc, 64<<20))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				paragraph.WriteByte('\t')
			case "br", "cr":
				paragraph.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteString(strings.TrimRight(paragraph.String(), " \t"))
				out.WriteByte('\n')
				paragraph.Reset()
			}
		case xml.CharData:
			if inText {
				paragraph.Write(t)
			}
		}
	}
	return &Extraction{Text: strings.TrimSpace(out.String()), Method: "docx"}, nil
}

func extractPDF(data []byte) (ext *Extraction, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			ext, err = nil, fmt.Errorf("read pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(text))
	}
	text := b.String()
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return &Extraction{Text: text, Method: "pdf", Pages: pages}, nil
}
