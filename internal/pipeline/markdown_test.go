package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleJSON = `{
	"suggested_title": "Understanding Raft",
	"meta_description": "A walkthrough of the Raft consensus algorithm.",
	"introduction": "Raft is a consensus algorithm designed for understandability.",
	"sections": [
		{
			"heading": "Leader Election",
			"content_paragraphs": ["Nodes start as followers.", "A timeout triggers an election."],
			"code_blocks": [
				{"language": "go", "code": "func election() {}\n", "explanation": "A sketch of the election loop."}
			],
			"lists": [
				{"type": "numbered", "items": ["follower", "candidate", "leader"]},
				{"items": ["heartbeats", "terms"]}
			],
			"notes_or_tips": ["Randomized timeouts avoid split votes."]
		}
	],
	"key_takeaways": ["Raft favors understandability."],
	"conclusion": "Raft is widely deployed.",
	"external_references": [
		{"text": "Raft paper", "url": "https://raft.github.io/raft.pdf"},
		{"text": "missing url dropped", "url": ""}
	]
}`

func TestParseArticle(t *testing.T) {
	a, err := ParseArticle(articleJSON)
	require.NoError(t, err)

	assert.Equal(t, "Understanding Raft", a.SuggestedTitle)
	require.Len(t, a.Sections, 1)
	sec := a.Sections[0]
	assert.Equal(t, "Leader Election", sec.Heading)
	assert.Len(t, sec.ContentParagraphs, 2)
	require.Len(t, sec.Lists, 2)
	assert.Equal(t, "numbered", sec.Lists[0].Type)
	assert.Equal(t, "bulleted", sec.Lists[1].Type)
	require.Len(t, a.ExternalReferences, 1)
	assert.Equal(t, "Raft paper", a.ExternalReferences[0].Text)
}

func TestParseArticleFromFencedResponse(t *testing.T) {
	a, err := ParseArticle("Here you go:\n```json\n" + articleJSON + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "Understanding Raft", a.SuggestedTitle)
}

func TestParseArticleListValuedIntroduction(t *testing.T) {
	a, err := ParseArticle(`{
		"suggested_title": "T",
		"introduction": ["part one", "part two"],
		"sections": [{"heading": "H", "content_paragraphs": ["p"]}]
	}`)
	require.NoError(t, err)
	assert.Equal(t, "part one\n\npart two", a.Introduction)
}

func TestParseArticleRejectsMissingTitle(t *testing.T) {
	_, err := ParseArticle(`{"sections": [{"heading": "H"}]}`)
	assert.Error(t, err)
}

func TestParseArticleRejectsNoSections(t *testing.T) {
	_, err := ParseArticle(`{"suggested_title": "T", "sections": []}`)
	assert.Error(t, err)
}

func TestRenderMarkdownLayout(t *testing.T) {
	a, err := ParseArticle(articleJSON)
	require.NoError(t, err)

	md := a.RenderMarkdown()
	assert.True(t, strings.HasPrefix(md, "# Understanding Raft\n"))
	assert.Contains(t, md, "*A walkthrough of the Raft consensus algorithm.*")
	assert.Contains(t, md, "## Leader Election")
	assert.Contains(t, md, "```go\nfunc election() {}\n```")
	assert.Contains(t, md, "1. follower\n2. candidate\n3. leader\n")
	assert.Contains(t, md, "- heartbeats\n- terms\n")
	assert.Contains(t, md, "> **Note/Tip:** Randomized timeouts avoid split votes.")
	assert.Contains(t, md, "## Key Takeaways\n\n- Raft favors understandability.")
	assert.Contains(t, md, "## Conclusion\n\nRaft is widely deployed.")
	assert.Contains(t, md, "- [Raft paper](https://raft.github.io/raft.pdf)")
}

func TestRenderMarkdownDeterministic(t *testing.T) {
	a, err := ParseArticle(articleJSON)
	require.NoError(t, err)
	assert.Equal(t, a.RenderMarkdown(), a.RenderMarkdown())
}
