package grouping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/raysh454/racer/internal/model"
)

// Kind classifies a representative body.
type Kind string

const (
	KindNone Kind = "none"
	KindHTML Kind = "html"
	KindJSON Kind = "json"
	KindText Kind = "text"
)

// Representative summarises a group for display. It is built from the
// group's first member.
type Representative struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	// Body is the text, the parsed JSON value, or the artifact URL for HTML.
	Body          any    `json:"body"`
	Kind          Kind   `json:"content_kind"`
	Title         string `json:"title,omitempty"`
	BodyLength    int    `json:"body_length"`
	HeadersLength int    `json:"headers_length"`
	Count         int    `json:"count"`
	DelayMS       int    `json:"wait_time"`

	SendTime        *time.Time `json:"send_time,omitempty"`
	SendTimeMin     *time.Time `json:"send_time_min,omitempty"`
	SendTimeMax     *time.Time `json:"send_time_max,omitempty"`
	ResponseTime    *time.Time `json:"response_time,omitempty"`
	ResponseTimeMin *time.Time `json:"response_time_min,omitempty"`
	ResponseTimeMax *time.Time `json:"response_time_max,omitempty"`
}

func buildRepresentative(members []model.Exchange, opts Options, index int) (Representative, string, error) {
	first := members[0]
	rep := Representative{
		StatusCode:    first.StatusCode,
		Headers:       first.Clone().Headers,
		Body:          first.Body,
		BodyLength:    len(first.Body),
		HeadersLength: headersLength(first.Headers),
		Count:         len(members),
		DelayMS:       first.DelayMS,
	}

	sendMin, sendMax := first.SendTime, first.SendTime
	respMin, respMax := first.ResponseTime, first.ResponseTime
	for _, m := range members[1:] {
		if m.SendTime.Before(sendMin) {
			sendMin = m.SendTime
		}
		if m.SendTime.After(sendMax) {
			sendMax = m.SendTime
		}
		if m.ResponseTime.Before(respMin) {
			respMin = m.ResponseTime
		}
		if m.ResponseTime.After(respMax) {
			respMax = m.ResponseTime
		}
	}
	if sendMin.Equal(sendMax) {
		rep.SendTime = &sendMin
	} else {
		rep.SendTimeMin, rep.SendTimeMax = &sendMin, &sendMax
	}
	if respMin.Equal(respMax) {
		rep.ResponseTime = &respMin
	} else {
		rep.ResponseTimeMin, rep.ResponseTimeMax = &respMin, &respMax
	}

	rep.Kind = contentKind(first.Headers, first.Body)
	var file string
	switch rep.Kind {
	case KindHTML:
		rep.Title = pageTitle(first.Body)
		if opts.Sink != nil {
			name := fmt.Sprintf("%s-req-%s-group-%d", opts.Prefix, opts.RequestID, index)
			link, path, err := opts.Sink.Put(name, first.Body, ".html")
			if err != nil {
				return Representative{}, "", err
			}
			rep.Body = link
			file = path
		}
	case KindJSON:
		var v any
		if err := json.Unmarshal([]byte(first.Body), &v); err == nil {
			rep.Body = v
		} else {
			rep.Kind = KindText
		}
	}
	return rep, file, nil
}

// contentKind decides how a body is displayed. HTML needs a text/html content
// type and at least one element; text/html bodies without elements and
// application/json bodies are treated as JSON.
func contentKind(headers map[string]string, body string) Kind {
	hasContent := body != ""
	if cl, ok := lookup(headers, "Content-Length"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(cl)); err == nil && n > 0 {
			hasContent = true
		}
	}
	if !hasContent {
		return KindNone
	}
	ct, _ := lookup(headers, "Content-Type")
	ct = strings.ToLower(ct)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		if hasElement(body) {
			return KindHTML
		}
		return KindJSON
	case strings.HasPrefix(ct, "application/json"):
		return KindJSON
	}
	return KindText
}

func hasElement(body string) bool {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), ctx)
	if err != nil {
		return false
	}
	for _, n := range nodes {
		if containsElement(n) {
			return true
		}
	}
	return false
}

func containsElement(n *html.Node) bool {
	if n.Type == html.ElementNode {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if containsElement(c) {
			return true
		}
	}
	return false
}

func pageTitle(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func headersLength(h map[string]string) int {
	if len(h) == 0 {
		return 0
	}
	b, err := json.MarshalIndent(h, "", "    ")
	if err != nil {
		return 0
	}
	return len(b)
}

func lookup(h map[string]string, name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
