// Package stats is the aggregation facade other features call: it fetches a
// filtered heartbeat collection from the store and composes the pure domain
// algorithms over it.
package stats

import (
	"fmt"
	"strings"

	"example.com/codetime/internal/domain"
)

// Filter selects the heartbeat collection an aggregation runs over. From/To
// are unix seconds; zero means unbounded on that side. Dimension fields
// match raw values exactly; empty fields are ignored.
type Filter struct {
	UserID          string
	From            float64
	To              float64
	Project         string
	Language        string
	Editor          string
	OperatingSystem string
	Machine         string
	Branch          string
	Category        string
	ExcludeSource   domain.SourceType
}

// Key serialises the exact filter set, used to key the results cache.
func (f Filter) Key() string {
	return strings.Join([]string{
		f.UserID,
		fmt.Sprintf("%.6f", f.From),
		fmt.Sprintf("%.6f", f.To),
		f.Project,
		f.Language,
		f.Editor,
		f.OperatingSystem,
		f.Machine,
		f.Branch,
		f.Category,
		string(f.ExcludeSource),
	}, "|")
}
