// ABOUTME: Conversation preview projection from a message log
// ABOUTME: Truncates bodies, labels attachments and optionally strips markdown with goldmark

package store

import (
	"bytes"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/support-chat/internal/chat"
)

// DefaultPreviewLength is the preview truncation length in runes.
const DefaultPreviewLength = 50

// PreviewOptions controls how a message body is projected into a preview.
type PreviewOptions struct {
	MaxLength int  // runes; DefaultPreviewLength when zero
	Markdown  bool // strip markdown syntax before truncating
}

var markdown = goldmark.New()

// Preview computes (LastMessage, LastMessageAt) from a log sorted ascending.
// An empty log yields an empty preview stamped with now.
func Preview(msgs []chat.Message, now time.Time, opts PreviewOptions) (string, time.Time) {
	if len(msgs) == 0 {
		return "", now
	}

	// Last element wins ties on CreatedAt.
	newest := msgs[0]
	for _, m := range msgs[1:] {
		if !m.CreatedAt.Before(newest.CreatedAt) {
			newest = m
		}
	}
	return MessagePreview(newest, opts), newest.CreatedAt
}

// MessagePreview projects a single message.
func MessagePreview(m chat.Message, opts PreviewOptions) string {
	body := m.Body
	if opts.Markdown && body != "" {
		body = StripMarkdown(body)
	}
	body = strings.TrimSpace(body)

	if body == "" && m.Attachment != nil {
		return AttachmentLabel(*m.Attachment)
	}

	limit := opts.MaxLength
	if limit <= 0 {
		limit = DefaultPreviewLength
	}
	return truncate(body, limit)
}

// AttachmentLabel renders the placeholder shown for attachment-only messages.
func AttachmentLabel(a chat.Attachment) string {
	switch a.MimeClass {
	case chat.MimeImage:
		return "[Image]"
	case chat.MimeVideo:
		return "[Video]"
	case chat.MimeAudio:
		return "[Audio]"
	default:
		if a.Filename == "" {
			return "[File]"
		}
		return "[File] " + a.Filename
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// StripMarkdown returns the plain text content of a markdown document with
// whitespace collapsed to single spaces.
func StripMarkdown(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				buf.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.AutoLink:
			buf.Write(node.URL(source))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(buf.String()), " ")
}
