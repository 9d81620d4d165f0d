package answer

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/AILab-FOI/bytesophos/internal/chunker"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// SafetyMarginTokens is held back from the history budget.
const SafetyMarginTokens = 1500

// Per-message caps for compacted history.
const (
	userHistoryChars      = 1000
	assistantHistoryChars = 1400
)

const blockSeparator = "\n\n---\n\n"

const noContextWarning = "Warning: no docs matched repo_id; answering without context.\n\n"

const systemRules = `You are a coding RAG assistant.
- Cite sources by filename + line ranges only (e.g., ` + "`src/utils.py`" + ` lines 120–180).
- NEVER refer to sources as "Document N".
- Use EXACT identifiers (class/function/file names) from the context, wrapped in backticks.
- If multiple excerpts are from the same file, synthesize across them as one.
- If a name/reference is ambiguous, say it is unclear - do NOT guess or invent.
- Answer concisely first, then offer three short relevant follow-up help questions.`

var userPayload = template.Must(template.New("payload").Parse(
	`{{.Warning}}You are assisting with the repository: ` + "`{{.Repo}}`" + `.

Context (grouped by file):
{{range .Files}}FILE: {{.Name}}
{{.Body}}

{{end}}
Question: {{.Question}}

Respond with citations (filename + line ranges only).`))

var (
	codeFence  = regexp.MustCompile("(?s)```.*?```")
	whitespace = regexp.MustCompile(`\s+`)
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	docRef     = regexp.MustCompile(`\bDocument\s+(\d+)\b`)
)

// FileContext is the prompt body for one file.
type FileContext struct {
	Name string
	Body string
}

type payloadData struct {
	Warning  string
	Repo     string
	Files    []FileContext
	Question string
}

func renderPayload(repo, question, warning string, files []FileContext) (string, error) {
	var sb strings.Builder
	err := userPayload.Execute(&sb, payloadData{Warning: warning, Repo: repo, Files: files, Question: question})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), nil
}

// GroupByFile collects chunks per file in order of first appearance. At
// most maxFiles files are kept; each body joins its spans by start line and
// is cut to maxChars. kept holds the IDs of the chunks whose text made it
// into a body: chunks of dropped files, blank chunks and spans that start
// past the cut are left out.
func GroupByFile(chunks []types.RankedChunk, maxFiles, maxChars int) (files []FileContext, kept map[int64]struct{}) {
	var order []string
	spans := make(map[string][]types.RankedChunk)
	for _, c := range chunks {
		if _, ok := spans[c.Path]; !ok {
			order = append(order, c.Path)
		}
		spans[c.Path] = append(spans[c.Path], c)
	}

	kept = make(map[int64]struct{})
	for i, name := range order {
		if maxFiles > 0 && i >= maxFiles {
			break
		}
		list := spans[name]
		slices.SortStableFunc(list, func(a, b types.RankedChunk) int {
			return cmp.Compare(a.StartLine, b.StartLine)
		})
		blocks := make([]string, 0, len(list))
		length := 0
		for _, c := range list {
			if strings.TrimSpace(c.Content) == "" {
				continue
			}
			if len(blocks) > 0 {
				length += utf8.RuneCountInString(blockSeparator)
			}
			if maxChars > 0 && length >= maxChars {
				break
			}
			block := fmt.Sprintf("(lines %d–%d)\n%s", c.StartLine, c.EndLine, c.Content)
			blocks = append(blocks, block)
			kept[c.ChunkID] = struct{}{}
			length += utf8.RuneCountInString(block)
		}
		if len(blocks) == 0 {
			continue
		}
		body := strings.Join(blocks, blockSeparator)
		if maxChars > 0 {
			body = truncateRunes(body, maxChars)
		}
		files = append(files, FileContext{Name: name, Body: body})
	}
	return files, kept
}

// FileNames lists the files in prompt order, so "Document N" is
// FileNames(files)[N-1].
func FileNames(files []FileContext) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

// Compact prepares a history message: code fences become "[code omitted]",
// whitespace collapses and text longer than maxChars ends in an ellipsis.
// maxChars <= 0 disables the cap.
func Compact(text string, maxChars int) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	s = codeFence.ReplaceAllString(s, "[code omitted]")
	s = whitespace.ReplaceAllString(s, " ")
	if maxChars > 0 && utf8.RuneCountInString(s) > maxChars {
		s = truncateRunes(s, maxChars-1) + "…"
	}
	return s
}

// HistoryHint is the latest question with whitespace collapsed.
func HistoryHint(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	latest := turns[len(turns)-1].Question
	return strings.TrimSpace(whitespace.ReplaceAllString(latest, " "))
}

// RetrieverQuery appends the history hint to the question when present.
func RetrieverQuery(question string, turns []Turn) string {
	if hint := HistoryHint(turns); hint != "" {
		return question + "\n\n(History hint: " + hint + ")"
	}
	return question
}

// HistoryBudget is the token allowance for history messages.
func HistoryBudget(contextTokens int, fraction float64) int {
	return max(0, int(float64(contextTokens)*fraction)-SafetyMarginTokens)
}

// HistoryMessages compacts turns (oldest first) into alternating user and
// assistant messages. The newest turns are kept when the budget runs out;
// the newest turn is always kept.
func HistoryMessages(turns []Turn, budget int, counter chunker.TokenCounter) []Message {
	var (
		used int
		kept [][2]string
	)
	for i := len(turns) - 1; i >= 0; i-- {
		q := Compact(turns[i].Question, userHistoryChars)
		a := Compact(turns[i].Answer, assistantHistoryChars)
		need := counter.Count(q) + counter.Count(a)
		if len(kept) > 0 && used+need > budget {
			break
		}
		kept = append(kept, [2]string{q, a})
		used += need
	}

	msgs := make([]Message, 0, 2*len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: kept[i][0]},
			Message{Role: RoleAssistant, Content: kept[i][1]})
	}
	return msgs
}

// CleanAnswer strips reasoning blocks and rewrites "Document N" to the
// N-th file name in fileOrder.
func CleanAnswer(answer string, fileOrder []string) string {
	answer = thinkBlock.ReplaceAllString(answer, "")
	answer = docRef.ReplaceAllStringFunc(answer, func(m string) string {
		sub := docRef.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[1])
		if err != nil || n < 1 || n > len(fileOrder) {
			return m
		}
		return "`" + fileOrder[n-1] + "`"
	})
	return strings.TrimSpace(answer)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
