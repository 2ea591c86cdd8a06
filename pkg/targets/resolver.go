package targets

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gosimple/slug"
)

// LocalScheme marks targets served by an in-process action instead of HTTP.
const LocalScheme = "local://"

const (
	SyncUsers        = "sync-users"
	SyncCandidates   = "sync-candidates"
	SendNotification = "send-notification"
)

var ErrUnknownTarget = errors.New("unknown job name")

// paths maps each job name to the route serving it on the API host.
var paths = map[string]string{
	SyncUsers:        "/seed/sync-users",
	SyncCandidates:   "/seed/sync-candidates",
	SendNotification: "/send-notification/send-to-all",
}

// Resolver maps symbolic job names to invocable target URLs.
type Resolver struct {
	baseURL string
}

// NewResolver builds a resolver. With an empty baseURL every target resolves
// to local://<name>.
func NewResolver(baseURL string) *Resolver {
	return &Resolver{baseURL: strings.TrimRight(baseURL, "/")}
}

// Normalize turns user input such as "Send Notification" into "send-notification".
func Normalize(name string) string {
	return slug.Make(name)
}

// Resolve returns the normalized name and its target URL.
func (r *Resolver) Resolve(name string) (string, string, error) {
	normalized := Normalize(name)
	path, ok := paths[normalized]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	if r.baseURL == "" {
		return normalized, LocalScheme + normalized, nil
	}
	return normalized, r.baseURL + path, nil
}

// Names lists every resolvable job name in sorted order.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalName extracts the action name from a local:// target.
func LocalName(targetURL string) (string, bool) {
	if !strings.HasPrefix(targetURL, LocalScheme) {
		return "", false
	}
	return strings.TrimPrefix(targetURL, LocalScheme), true
}
