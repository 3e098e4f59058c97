package realtime

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Subscription filters what a client receives. Empty filters match all.
// MinScore applies to score events only; anchor events carry no score.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Domains    []string    `json:"domains,omitempty"`
	References []string    `json:"references,omitempty"`
	MinScore   int         `json:"minScore,omitempty"`
}

// SubscriptionFromQuery reads an initial filter from the upgrade URL:
// ?types=anchor.confirmed,anchor.failed&domains=bank&reference=r1&minScore=50
func SubscriptionFromQuery(q url.Values) (Subscription, error) {
	var sub Subscription
	for _, t := range splitList(q.Get("types")) {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	sub.Domains = splitList(q.Get("domains"))
	sub.References = splitList(q.Get("reference"))
	if v := q.Get("minScore"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return Subscription{}, fmt.Errorf("minScore must be an integer between 0 and 100")
		}
		sub.MinScore = n
	}
	return sub.normalize(), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalize lowercases domain tags to match how records are stored.
func (s Subscription) normalize() Subscription {
	for i, d := range s.Domains {
		s.Domains[i] = strings.ToLower(d)
	}
	return s
}

// Matches reports whether ev passes every filter. Events that lack the
// field a filter inspects pass that filter.
func (s Subscription) Matches(ev *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Domains) > 0 {
		if d, ok := ev.Data["domain"].(string); ok && !slices.Contains(s.Domains, d) {
			return false
		}
	}
	if len(s.References) > 0 {
		if ref, ok := ev.Data["reference"].(string); ok && !slices.Contains(s.References, ref) {
			return false
		}
	}
	if s.MinScore > 0 && ev.Type == EventScoreRecorded {
		if score, ok := scoreOf(ev.Data["score"]); ok && score < s.MinScore {
			return false
		}
	}
	return true
}

func scoreOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
