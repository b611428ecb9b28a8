package proactive

import (
	"strings"

	"github.com/memohai/deskbridge/internal/backend"
)

const (
	resolvedTitle = "Request resolved"
	resolvedText  = "Your request has been resolved. Send a new message if you need anything else."
)

// Presentation is a platform-neutral rendering of one backend event.
type Presentation struct {
	// SenderName is the agent shown as author, when known.
	SenderName string
	Text       string
	Card       *Card
}

// Card carries what a plain text line cannot: status changes and files.
type Card struct {
	Title  string
	Status backend.StatusHint
	Images []CardImage
	Links  []CardLink
}

type CardImage struct {
	URL string
	Alt string
}

type CardLink struct {
	Title string
	URL   string
	Kind  backend.ContentKind
}

// Empty reports whether there is nothing to send.
func (p Presentation) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && p.Card == nil
}

// Format renders a canonical event. Status changes and events with
// attachments get a card; everything else is text.
func Format(evt backend.CanonicalEvent) Presentation {
	p := Presentation{Text: strings.TrimSpace(evt.Text)}
	if evt.ActorKind == backend.ActorAgent {
		p.SenderName = strings.TrimSpace(evt.ActorName)
	}
	if evt.IsResolution() {
		if p.Text == "" {
			p.Text = resolvedText
		}
		p.Card = &Card{Title: resolvedTitle, Status: backend.StatusResolved}
	}
	for _, att := range evt.Attachments {
		if strings.TrimSpace(att.URL) == "" {
			continue
		}
		if p.Card == nil {
			p.Card = &Card{}
		}
		name := att.Name
		if name == "" {
			name = string(att.Kind)
		}
		kind := att.Kind
		if kind == "" {
			kind = backend.ClassifyContent(att.ContentType, firstNonEmpty(att.Name, att.URL))
		}
		if kind == backend.ContentImage {
			p.Card.Images = append(p.Card.Images, CardImage{URL: att.URL, Alt: name})
			continue
		}
		p.Card.Links = append(p.Card.Links, CardLink{Title: name, URL: att.URL, Kind: kind})
	}
	return p
}

// PlainText flattens a presentation for platforms without rich cards.
func (p Presentation) PlainText() string {
	var b strings.Builder
	if p.SenderName != "" {
		b.WriteString(p.SenderName)
		b.WriteString(":\n")
	}
	b.WriteString(p.Text)
	if p.Card != nil {
		for _, link := range p.Card.Links {
			writeLine(&b, link.Title+": "+link.URL)
		}
	}
	return strings.TrimSpace(b.String())
}

func writeLine(b *strings.Builder, line string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(line)
}
