package pipeline

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/tweetkb/internal/errors"
)

// Article is the structured form of a generated knowledge-base
// article, parsed from the model's JSON response.
type Article struct {
	SuggestedTitle     string
	MetaDescription    string
	Introduction       string
	Sections           []Section
	KeyTakeaways       []string
	Conclusion         string
	ExternalReferences []Reference
}

// Section is one H2-level article section.
type Section struct {
	Heading           string
	ContentParagraphs []string
	CodeBlocks        []CodeBlock
	Lists             []List
	NotesOrTips       []string
}

// CodeBlock is a fenced code example.
type CodeBlock struct {
	Language    string
	Code        string
	Explanation string
}

// List is a bulleted or numbered list.
type List struct {
	Type  string // bulleted or numbered
	Items []string
}

// Reference is an external link.
type Reference struct {
	Text string
	URL  string
}

// ParseArticle parses a model response into an Article. The JSON may
// arrive bare, fenced, or embedded in surrounding prose.
func ParseArticle(response string) (*Article, error) {
	raw, ok := extractJSON(response)
	if !ok {
		return nil, errors.ErrParseFailure("response contains no JSON object")
	}

	root := gjson.Parse(raw)
	a := &Article{
		SuggestedTitle:  strings.TrimSpace(root.Get("suggested_title").String()),
		MetaDescription: ensureString(root.Get("meta_description")),
		Introduction:    ensureString(root.Get("introduction")),
		KeyTakeaways:    ensureStrings(root.Get("key_takeaways")),
		Conclusion:      ensureString(root.Get("conclusion")),
	}
	if a.SuggestedTitle == "" {
		return nil, errors.ErrParseFailure("article has no suggested_title")
	}

	sections := root.Get("sections")
	if !sections.IsArray() || len(sections.Array()) == 0 {
		return nil, errors.ErrParseFailure("article has no sections")
	}
	for _, s := range sections.Array() {
		sec := Section{
			Heading:           strings.TrimSpace(s.Get("heading").String()),
			ContentParagraphs: ensureStrings(s.Get("content_paragraphs")),
			NotesOrTips:       ensureStrings(s.Get("notes_or_tips")),
		}
		for _, cb := range s.Get("code_blocks").Array() {
			sec.CodeBlocks = append(sec.CodeBlocks, CodeBlock{
				Language:    strings.TrimSpace(cb.Get("language").String()),
				Code:        cb.Get("code").String(),
				Explanation: ensureString(cb.Get("explanation")),
			})
		}
		for _, l := range s.Get("lists").Array() {
			list := List{
				Type:  strings.TrimSpace(l.Get("type").String()),
				Items: ensureStrings(l.Get("items")),
			}
			if list.Type != "numbered" {
				list.Type = "bulleted"
			}
			sec.Lists = append(sec.Lists, list)
		}
		a.Sections = append(a.Sections, sec)
	}

	for _, r := range root.Get("external_references").Array() {
		ref := Reference{
			Text: strings.TrimSpace(r.Get("text").String()),
			URL:  strings.TrimSpace(r.Get("url").String()),
		}
		if ref.URL != "" {
			a.ExternalReferences = append(a.ExternalReferences, ref)
		}
	}

	return a, nil
}

// RenderMarkdown converts an Article to Markdown. The transformation
// is fixed and deterministic: identical input always yields identical
// output.
func (a *Article) RenderMarkdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n", a.SuggestedTitle)
	if a.MetaDescription != "" {
		fmt.Fprintf(&b, "\n*%s*\n", a.MetaDescription)
	}
	if a.Introduction != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Introduction)
	}

	for _, sec := range a.Sections {
		if sec.Heading != "" {
			fmt.Fprintf(&b, "\n## %s\n", sec.Heading)
		}
		for _, p := range sec.ContentParagraphs {
			fmt.Fprintf(&b, "\n%s\n", p)
		}
		for _, cb := range sec.CodeBlocks {
			fmt.Fprintf(&b, "\n```%s\n%s\n```\n", cb.Language, strings.TrimRight(cb.Code, "\n"))
			if cb.Explanation != "" {
				fmt.Fprintf(&b, "\n%s\n", cb.Explanation)
			}
		}
		for _, list := range sec.Lists {
			b.WriteString("\n")
			for i, item := range list.Items {
				if list.Type == "numbered" {
					fmt.Fprintf(&b, "%d. %s\n", i+1, item)
				} else {
					fmt.Fprintf(&b, "- %s\n", item)
				}
			}
		}
		for _, note := range sec.NotesOrTips {
			fmt.Fprintf(&b, "\n> **Note/Tip:** %s\n", note)
		}
	}

	if len(a.KeyTakeaways) > 0 {
		b.WriteString("\n## Key Takeaways\n\n")
		for _, kt := range a.KeyTakeaways {
			fmt.Fprintf(&b, "- %s\n", kt)
		}
	}

	if a.Conclusion != "" {
		fmt.Fprintf(&b, "\n## Conclusion\n\n%s\n", a.Conclusion)
	}

	if len(a.ExternalReferences) > 0 {
		b.WriteString("\n## References\n\n")
		for _, ref := range a.ExternalReferences {
			text := ref.Text
			if text == "" {
				text = ref.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", text, ref.URL)
		}
	}

	return b.String()
}
