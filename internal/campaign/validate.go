package campaign

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleLen   = 256
	MaxTextLen    = 4096
	MaxCaptionLen = 1024
	MaxButtons    = 20
)

// Validate checks a spec. requireTargets is set by sendNow and schedule,
// where an empty recipient list is no longer acceptable.
func Validate(s Spec, requireTargets bool) error {
	ve := &ValidationError{}

	title := strings.TrimSpace(s.Title)
	switch {
	case title == "":
		ve.add("title", "is required")
	case utf8.RuneCountInString(title) > MaxTitleLen:
		ve.add("title", "must be at most %d characters", MaxTitleLen)
	}

	validateContent(ve, s.Content)

	if requireTargets && len(s.Recipients) == 0 {
		ve.add("recipients", "at least one recipient is required")
	}
	for i, id := range s.Recipients {
		if id <= 0 {
			ve.add(fmt.Sprintf("recipients[%d]", i), "must be a positive id")
		}
	}
	return ve.orNil()
}

func validateContent(ve *ValidationError, c Content) {
	if !c.Kind.Valid() {
		ve.add("content.kind", "must be one of text, photo, video, document, audio")
	}
	switch c.Render {
	case RenderPlain, RenderMarkdown:
	default:
		ve.add("content.render", "must be plain or markdown")
	}

	body := strings.TrimSpace(c.Body)
	n := utf8.RuneCountInString(c.Body)
	if c.Kind == KindText {
		if body == "" {
			ve.add("content.body", "is required for text messages")
		} else if n > MaxTextLen {
			ve.add("content.body", "must be at most %d characters", MaxTextLen)
		}
		if strings.TrimSpace(c.Media) != "" {
			ve.add("content.media", "must be empty for text messages")
		}
	}
	if c.Kind.HasMedia() {
		if strings.TrimSpace(c.Media) == "" {
			ve.add("content.media", "is required for %s messages", c.Kind)
		}
		if n > MaxCaptionLen {
			ve.add("content.body", "caption must be at most %d characters", MaxCaptionLen)
		}
	}

	if len(c.Buttons) > MaxButtons {
		ve.add("content.buttons", "at most %d buttons", MaxButtons)
	}
	for i, b := range c.Buttons {
		field := fmt.Sprintf("content.buttons[%d]", i)
		if strings.TrimSpace(b.Label) == "" {
			ve.add(field+".label", "is required")
		}
		if strings.TrimSpace(b.URL) == "" {
			ve.add(field+".url", "is required")
		} else if !absoluteHTTP(b.URL) {
			ve.add(field+".url", "must be an absolute http(s) URL")
		}
	}
}

func absoluteHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// normalize fills defaults and trims what callers typically pad.
func normalize(s Spec) Spec {
	s.Title = strings.TrimSpace(s.Title)
	s.Content.Media = strings.TrimSpace(s.Content.Media)
	if s.Content.Render == "" {
		s.Content.Render = RenderPlain
	}
	if s.Content.Kind == "" {
		s.Content.Kind = KindText
	}
	btns := make([]Button, 0, len(s.Content.Buttons))
	for _, b := range s.Content.Buttons {
		btns = append(btns, Button{Label: strings.TrimSpace(b.Label), URL: strings.TrimSpace(b.URL)})
	}
	s.Content.Buttons = btns
	s.Recipients = append([]int64(nil), s.Recipients...)
	return s
}
