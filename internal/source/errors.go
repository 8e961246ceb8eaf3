package source

import (
	"github.com/rotisserie/eris"

	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// classifyStatus maps an upstream HTTP status onto the error taxonomy.
// A zero status leaves err as-is.
func classifyStatus(target string, status int, err error) error {
	switch {
	case status == 0:
		return err
	case resilience.IsAccessBlockedStatus(status):
		return resilience.NewAccessBlocked(target, status, "")
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	case status == 404:
		return eris.Wrap(resilience.ErrNotFound, err.Error())
	}
	return err
}
