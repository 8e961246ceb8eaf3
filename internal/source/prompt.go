package source

import (
	"fmt"
	"strings"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

const aiSystemPrompt = `You research how notable people in film and television died.
Answer only with a single JSON object and no prose:
{
  "circumstances": "2-4 factual sentences on how and where they died, or null",
  "rumored": "disputed or unconfirmed accounts, or null",
  "cause": "the medical or immediate cause of death, or null",
  "location": "place of death (city, region), or null",
  "notable_factors": ["zero or more of: overdose, suicide, accident, homicide, illness, sudden, on_set, controversial"],
  "related_people": ["people directly involved in the death"],
  "career_status": "active, semi-retired, or retired at the time of death, or null",
  "last_project": "their final released or in-production work, or null",
  "sources": ["URLs you relied on"],
  "confidence": "high, medium, or low",
  "unknown": false
}
Set "unknown" to true and leave every other field null when you have no reliable information.
Never guess a cause of death.`

// subjectPrompt renders the per-subject user message.
func subjectPrompt(s model.Subject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Person: %s\n", s.Name)
	if s.Birthday != nil {
		fmt.Fprintf(&b, "Born: %s\n", s.Birthday.Format("2006-01-02"))
	}
	if d := s.DeathDate(); d != "" {
		fmt.Fprintf(&b, "Died: %s\n", d)
	}
	if s.ExternalIDs.IMDbID != "" {
		fmt.Fprintf(&b, "IMDb: %s\n", s.ExternalIDs.IMDbID)
	}
	if s.ExternalIDs.TMDBID > 0 {
		fmt.Fprintf(&b, "TMDB: %d\n", s.ExternalIDs.TMDBID)
	}
	if s.Known.CauseOfDeath != "" {
		fmt.Fprintf(&b, "Recorded cause of death: %s\n", s.Known.CauseOfDeath)
	}
	b.WriteString("\nHow did this person die?")
	return b.String()
}
