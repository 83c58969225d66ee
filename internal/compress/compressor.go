// Package compress shrinks documents before they are sent to a model.
// Everything here is a pure text transform.
package compress

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const summaryPrefix = "[Résumé: "

var (
	thousandsSep = regexp.MustCompile(`(^|[^\d])(\d{1,3})((?:[ \x{00a0}]\d{3})+)\b`)
	groupSpace   = strings.NewReplacer(" ", "", "\u00a0", "")
	currency     = regexp.MustCompile(`\$\s*`)
	zeroCents    = regexp.MustCompile(`(\d)\.00\b`)
	hspace       = regexp.MustCompile(`[ \t\x{00a0}]{2,}`)
	numericToken = regexp.MustCompile(`\d+(?:[.,]\d+)*%?`)
	sentence     = regexp.MustCompile(`[^.!?]+[.!?]+`)
	sentenceEnd  = regexp.MustCompile(`[.!?](\s|$)`)

	digit          = regexp.MustCompile(`\d`)
	domainTerms    = regexp.MustCompile(`(?i)ratio|marge|rentabilité|croissance`)
	actionTerms    = regexp.MustCompile(`(?i)recommandation|conseil|action`)
	defaultFillers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(il est important de noter que|comme vous le savez|bien entendu)\b`),
		regexp.MustCompile(`(?i)\b(nous pouvons observer que|il convient de mentionner)\b`),
		regexp.MustCompile(`(?i)\b(tel que mentionné précédemment|de plus)\b`),
	}
)

// Options tune the compressor.
type Options struct {
	// MinLength is the size floor under which input is returned unchanged.
	MinLength int
	// VerboseLine is the line length above which a line is summarised.
	VerboseLine int
	// SummaryWords bounds a summary built from a line without a sentence break.
	SummaryWords int
	// KeySentences is how many sentences CompressForRetrieval keeps per document.
	KeySentences int
}

func DefaultOptions() Options {
	return Options{MinLength: 1000, VerboseLine: 200, SummaryWords: 20, KeySentences: 3}
}

type Compressor struct {
	opts    Options
	fillers []*regexp.Regexp
	logger  *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{opts: opts, fillers: defaultFillers, logger: logger}
}

// Compress never returns a longer text, keeps every numeric token and is
// idempotent: Compress(Compress(x)) == Compress(x).
func (c *Compressor) Compress(text string) string {
	if utf8.RuneCountInString(text) < c.opts.MinLength {
		return text
	}

	out := text
	for {
		next := c.normalize(out)
		if next == out {
			break
		}
		out = next
	}

	lines := dedupe(strings.Split(out, "\n"))
	for i, l := range lines {
		lines[i] = c.summarize(l)
	}
	out = strings.TrimSpace(strings.Join(dedupe(lines), "\n"))

	c.logger.Debug("context compressed",
		zap.Int("before", len(text)),
		zap.Int("after", len(out)),
		zap.Float64("ratio", float64(len(out))/float64(len(text))))
	return out
}

// normalize is one pass of number, filler and whitespace cleanup. Every
// rewrite it applies strictly shortens the text.
func (c *Compressor) normalize(s string) string {
	s = joinThousands(s)
	s = currency.ReplaceAllString(s, "")
	s = zeroCents.ReplaceAllString(s, "$1")
	for _, re := range c.fillers {
		s = re.ReplaceAllString(s, " ")
	}
	return hspace.ReplaceAllString(s, " ")
}

// joinThousands removes the spaces inside "1 250 000". A run only starts on
// a group of at most three digits, so "2023 450 000" stays two numbers.
func joinThousands(s string) string {
	return thousandsSep.ReplaceAllStringFunc(s, func(m string) string {
		g := thousandsSep.FindStringSubmatch(m)
		return g[1] + g[2] + groupSpace.Replace(g[3])
	})
}

// dedupe trims lines, drops repeated non-empty lines and runs of blank lines.
func dedupe(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
		blank = false
	}
	return out
}

// summarize replaces a verbose line with its first sentence plus any numeric
// tokens the sentence lost. The line is kept when the summary is not shorter.
func (c *Compressor) summarize(line string) string {
	if utf8.RuneCountInString(line) <= c.opts.VerboseLine || strings.HasPrefix(line, summaryPrefix) {
		return line
	}

	head := firstSentence(line, c.opts.SummaryWords)
	kept := make(map[string]struct{})
	for _, tok := range numericToken.FindAllString(head, -1) {
		kept[tok] = struct{}{}
	}
	var missing []string
	for _, tok := range numericToken.FindAllString(line, -1) {
		if _, ok := kept[tok]; ok {
			continue
		}
		kept[tok] = struct{}{}
		missing = append(missing, tok)
	}

	summary := summaryPrefix + head
	if len(missing) > 0 {
		summary += " (" + strings.Join(missing, "; ") + ")"
	}
	summary += "]"

	if len(summary) >= len(line) || utf8.RuneCountInString(summary) >= utf8.RuneCountInString(line) {
		return line
	}
	return summary
}

func firstSentence(line string, maxWords int) string {
	if loc := sentenceEnd.FindStringIndex(line); loc != nil {
		head := strings.TrimSpace(line[:loc[0]+1])
		if len(strings.Fields(head)) <= maxWords {
			return head
		}
	}
	words := strings.Fields(line)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ") + "…"
}

// CompressForRetrieval keeps the highest scoring sentences of each document.
// Ties keep their original order.
func (c *Compressor) CompressForRetrieval(docs []string) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = strings.Join(keySentences(d, c.opts.KeySentences), " ")
	}
	return out
}

type scored struct {
	text  string
	score int
}

func keySentences(doc string, n int) []string {
	matches := sentence.FindAllString(doc, -1)
	ranked := make([]scored, 0, len(matches))
	for _, m := range matches {
		s := scored{text: strings.TrimSpace(m)}
		if s.text == "" {
			continue
		}
		if digit.MatchString(s.text) {
			s.score += 2
		}
		if domainTerms.MatchString(s.text) {
			s.score += 3
		}
		if actionTerms.MatchString(s.text) {
			s.score += 2
		}
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.text
	}
	return out
}

// Savings describes what a compression saved.
type Savings struct {
	CharReduction int     `json:"char_reduction"`
	TokenEstimate int     `json:"token_estimate"`
	CostSavings   float64 `json:"cost_savings"`
}

// CalculateSavings estimates tokens as chars/4 and prices them at costPer1K.
func CalculateSavings(original, compressed string, costPer1K float64) Savings {
	reduction := len(original) - len(compressed)
	tokens := reduction / 4
	return Savings{
		CharReduction: reduction,
		TokenEstimate: tokens,
		CostSavings:   float64(tokens) / 1000 * costPer1K,
	}
}
