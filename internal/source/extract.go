package source

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// Notable factor tags.
const (
	FactorOverdose      = "overdose"
	FactorSuicide       = "suicide"
	FactorAccident      = "accident"
	FactorHomicide      = "homicide"
	FactorIllness       = "illness"
	FactorSudden        = "sudden"
	FactorOnSet         = "on_set"
	FactorControversial = "controversial"
)

var factorKeywords = map[string][]string{
	FactorOverdose:      {"overdose", "overdosed", "toxicity", "intoxication", "fentanyl", "heroin"},
	FactorSuicide:       {"suicide", "took his own life", "took her own life", "took their own life", "self-inflicted"},
	FactorAccident:      {"accident", "crash", "collision", "drowned", "fell from", "accidental"},
	FactorHomicide:      {"murdered", "homicide", "shot and killed", "stabbed", "killed by"},
	FactorIllness:       {"cancer", "illness", "disease", "leukemia", "tumor", "alzheimer", "pneumonia", "heart failure", "complications"},
	FactorSudden:        {"sudden", "suddenly", "unexpectedly", "cardiac arrest", "heart attack"},
	FactorOnSet:         {"on set", "on the set", "during filming", "while filming", "during a stunt"},
	FactorControversial: {"disputed", "conspiracy", "controversy", "controversial", "investigation", "lawsuit"},
}

// TagFactors returns the sorted notable-factor tags whose keywords appear in text.
func TagFactors(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for tag, words := range factorKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}

var (
	sentenceSplitRe = regexp.MustCompile(`(?:[.!?])\s+`)
	deathWordRe     = regexp.MustCompile(`(?i)\b(died|dies|dead|death|passed away|succumbed|was killed|killed in|found dead)\b`)
	causeRe         = regexp.MustCompile(`(?i)(?:died (?:of|from)|(?:died )?(?:after|following) (?:a (?:long |brief |short )?(?:battle|bout|fight) with)|succumbed to|cause of death was|cause was|death was caused by|died due to|died following)\s+(?:an? |the |complications (?:of|from) )?([^.;,]{3,80})`)
	locationRe      = regexp.MustCompile(`(?:died|passed away|was found dead)[^.]*?\b(?:at (?:his|her|their) home )?in ([A-Z][A-Za-z.'-]+(?:[ ,]+[A-Z][A-Za-z.'-]+){0,3})`)
)

// DeathSentences returns sentences that mention a death and, when the
// subject's surname is known, mention the subject too. At most limit
// sentences are returned.
func DeathSentences(text string, subject model.Subject, limit int) []string {
	surname := surnameOf(subject.Name)
	var out []string
	for _, s := range sentenceSplitRe.Split(text, -1) {
		s = strings.TrimSpace(s)
		if len(s) < 15 || !deathWordRe.MatchString(s) {
			continue
		}
		if surname != "" && !mentions(s, subject.Name, surname) && !startsWithPronoun(s) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ExtractCause pulls a cause-of-death phrase from text, or "".
func ExtractCause(text string) string {
	m := causeRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	cause := strings.TrimSpace(m[1])
	for _, cut := range []string{" at ", " on ", " in ", " while ", " after "} {
		if i := strings.Index(cause, cut); i > 0 {
			cause = cause[:i]
		}
	}
	return strings.TrimSpace(cause)
}

// ExtractLocation pulls a place of death from text, or "".
func ExtractLocation(text string) string {
	m := locationRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], " ,.")
}

// FromText builds enrichment data from free text about a subject. Returns
// nil when the text carries no death sentences.
func FromText(text string, subject model.Subject, sourceURL string) *model.EnrichmentData {
	sentences := DeathSentences(text, subject, 4)
	if len(sentences) == 0 {
		return nil
	}
	joined := strings.Join(sentences, ". ")
	if !strings.HasSuffix(joined, ".") {
		joined += "."
	}
	d := &model.EnrichmentData{
		Circumstances:  joined,
		CauseOfDeath:   ExtractCause(joined),
		Location:       ExtractLocation(joined),
		NotableFactors: TagFactors(joined),
	}
	if sourceURL != "" {
		d.Sources = []string{sourceURL}
	}
	return d
}

func surnameOf(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	if strings.EqualFold(strings.TrimSuffix(last, "."), "jr") || strings.EqualFold(strings.TrimSuffix(last, "."), "sr") {
		if len(fields) > 1 {
			last = strings.TrimSuffix(fields[len(fields)-2], ",")
		}
	}
	return last
}

func mentions(sentence, fullName, surname string) bool {
	lower := strings.ToLower(sentence)
	return strings.Contains(lower, strings.ToLower(fullName)) || strings.Contains(lower, strings.ToLower(surname))
}

func startsWithPronoun(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range []string{"he ", "she ", "they "} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// cleanJSON extracts a JSON object from text that may contain markdown
// code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// AIReply is the parsed structured answer from an AI source.
type AIReply struct {
	Data *model.EnrichmentData
	// LowConfidence is set when the model rated its own answer "low".
	LowConfidence bool
	// Unknown is set when the model said it has no information.
	Unknown bool
}

// ParseAIReply parses the JSON reply format shared by the AI sources.
// Confidence may be a word ("high", "medium", "low") or a 0-1 number.
func ParseAIReply(text string) (*AIReply, error) {
	cleaned := cleanJSON(text)
	if !gjson.Valid(cleaned) {
		return nil, eris.New("source: ai reply is not valid json")
	}
	root := gjson.Parse(cleaned)
	if !root.IsObject() {
		return nil, eris.New("source: ai reply is not a json object")
	}

	str := func(keys ...string) string {
		for _, k := range keys {
			v := strings.TrimSpace(root.Get(k).String())
			if v != "" && !isNullWord(v) {
				return v
			}
		}
		return ""
	}
	list := func(key string) []string {
		var out []string
		for _, item := range root.Get(key).Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	d := &model.EnrichmentData{
		Circumstances:        str("circumstances"),
		RumoredCircumstances: str("rumored", "rumored_circumstances"),
		CauseOfDeath:         str("cause", "cause_of_death"),
		Location:             str("location"),
		CareerStatusAtDeath:  str("career_status", "career_status_at_death"),
		LastProject:          str("last_project"),
		NotableFactors:       list("notable_factors"),
		RelatedPeople:        list("related_people"),
		Sources:              list("sources"),
	}
	if len(d.NotableFactors) == 0 && d.Circumstances != "" {
		d.NotableFactors = TagFactors(d.Circumstances)
	}

	reply := &AIReply{Data: d}
	conf := root.Get("confidence")
	switch conf.Type {
	case gjson.String:
		reply.LowConfidence = strings.EqualFold(strings.TrimSpace(conf.Str), "low")
	case gjson.Number:
		reply.LowConfidence = conf.Num < 0.5
	}
	if root.Get("unknown").Bool() || d.IsEmpty() {
		reply.Unknown = true
	}
	return reply, nil
}

func isNullWord(s string) bool {
	switch strings.ToLower(s) {
	case "null", "none", "unknown", "n/a", "not known":
		return true
	}
	return false
}
