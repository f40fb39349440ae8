package search

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Scoring weights. The shape is heuristic and tuned by hand; only the
// relative ordering of the components matters.
const (
	exactMatchBonus     = 100.0
	coverageWeight      = 60.0
	allWordsBonus       = 25.0
	officialVideoBonus  = 30.0
	officialBonus       = 20.0
	audioBonus          = 10.0
	publisherBonus      = 15.0
	publisherMinorBonus = 10.0
	idealDurationBonus  = 20.0
	okDurationBonus     = 8.0
	shortClipPenalty    = 30.0
	longVideoPenalty    = 15.0
	popularityWeight    = 2.0
	shortTitleBonus     = 5.0
	longTitlePenalty    = 10.0
	unwantedPenalty     = 40.0
	runBonusPerWord     = 8.0

	shortTitleLen = 40
	longTitleLen  = 100
	runWindow     = 60
)

var unwantedKeywords = []string{
	"cover", "remix", "karaoke", "reaction", "tutorial", "lesson",
	"sped up", "speed up", "slowed", "reverb", "nightcore", "8d",
	"instrumental", "live", "mashup", "parody", "bass boosted", "1 hour",
}

// Ranked is a candidate with its score and original position.
type Ranked struct {
	Candidate
	Score float64
	Index int
}

// Score rates how well c answers query. It has no side effects and depends
// only on its inputs.
func Score(query string, c Candidate) float64 {
	q := normalize(query)
	title := normalize(c.Title)
	qWords := strings.Fields(q)
	tWords := strings.Fields(title)
	if len(qWords) == 0 {
		return 0
	}

	var score float64

	if strings.Contains(" "+title+" ", " "+q+" ") {
		score += exactMatchBonus
	}

	score += wordCoverage(qWords, tWords)

	switch {
	case strings.Contains(title, "official video") || strings.Contains(title, "official music video"):
		score += officialVideoBonus
	case strings.Contains(title, "official"):
		score += officialBonus
	case containsWord(tWords, "audio") || containsWord(tWords, "song") || containsWord(tWords, "lyrics"):
		score += audioBonus
	}

	score += publisherScore(c.Publisher)
	score += durationScore(c.Duration)

	if c.Views > 0 {
		score += math.Log10(float64(c.Views)+1) * popularityWeight
	}

	switch n := len([]rune(c.Title)); {
	case n > longTitleLen:
		score -= longTitlePenalty
	case n <= shortTitleLen:
		score += shortTitleBonus
	}

	for _, kw := range unwantedKeywords {
		if hasPhrase(title, kw) && !hasPhrase(q, kw) {
			score -= unwantedPenalty
		}
	}

	if run := longestRun(qWords, title); run >= 2 {
		score += float64(run-1) * runBonusPerWord
	}

	return score
}

// Rank scores every candidate and sorts them best first. Equal scores keep
// their input order.
func Rank(query string, candidates []Candidate) []Ranked {
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranked[i] = Ranked{Candidate: c, Score: Score(query, c), Index: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Select returns the best candidate for query.
func Select(query string, candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	return Rank(query, candidates)[0].Candidate, true
}

// wordCoverage weights query words by position: the first word counts most.
func wordCoverage(qWords, tWords []string) float64 {
	var total, matched float64
	all := true
	for i, w := range qWords {
		weight := 1.0 / (1.0 + 0.25*float64(i))
		total += weight
		if containsWord(tWords, w) {
			matched += weight
		} else {
			all = false
		}
	}
	score := matched / total * coverageWeight
	if all {
		score += allWordsBonus
	}
	return score
}

func publisherScore(publisher string) float64 {
	p := strings.ToLower(publisher)
	switch {
	case p == "":
		return 0
	case strings.Contains(p, "vevo"), strings.HasSuffix(p, "- topic"):
		return publisherBonus
	case strings.Contains(p, "official"), strings.Contains(p, "records"), strings.Contains(p, "music"):
		return publisherMinorBonus
	}
	return 0
}

func durationScore(d time.Duration) float64 {
	switch {
	case d <= 0:
		return 0
	case d < time.Minute:
		return -shortClipPenalty
	case d >= 2*time.Minute && d <= 8*time.Minute:
		return idealDurationBonus
	case d <= 10*time.Minute:
		return okDurationBonus
	default:
		return -longVideoPenalty
	}
}

// longestRun finds the longest sequence of consecutive query words that
// appears in order in the title, possibly with other words between them,
// spanning at most runWindow characters.
func longestRun(qWords []string, title string) int {
	words := strings.Fields(title)
	offsets := make([]int, len(words))
	pos := 0
	for k, w := range words {
		offsets[k] = strings.Index(title[pos:], w) + pos
		pos = offsets[k] + len(w)
	}

	best := 0
	for i := range qWords {
		for p, w := range words {
			if w != qWords[i] {
				continue
			}
			n, k := 1, p
			for i+n < len(qWords) {
				next := indexFrom(words, qWords[i+n], k+1)
				if next < 0 || offsets[next]+len(words[next])-offsets[p] > runWindow {
					break
				}
				n, k = n+1, next
			}
			if n > best {
				best = n
			}
		}
	}
	return best
}

func indexFrom(words []string, w string, from int) int {
	for k := from; k < len(words); k++ {
		if words[k] == w {
			return k
		}
	}
	return -1
}

func hasPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

// normalize lowercases and replaces punctuation with spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
