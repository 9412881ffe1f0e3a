package router

// RuleStats describes one rule and how often it fired.
type RuleStats struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Hits        uint64 `json:"hits"`
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	Dispatched uint64      `json:"dispatched"`
	Delivered  uint64      `json:"delivered"`
	Unrouted   uint64      `json:"unrouted"`
	Failed     uint64      `json:"failed"`
	Pending    int         `json:"pending"`
	Holding    bool        `json:"holding"`
	Closed     bool        `json:"closed"`
	Rules      []RuleStats `json:"rules"`
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	rules := make([]RuleStats, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, RuleStats{
			Source:      rule.Source.Name(),
			Destination: rule.Dest.Name(),
			Hits:        rule.hits.Load(),
		})
	}
	r.mu.RUnlock()

	return Stats{
		Dispatched: r.dispatched.Load(),
		Delivered:  r.delivered.Load(),
		Unrouted:   r.unrouted.Load(),
		Failed:     r.failed.Load(),
		Pending:    r.in.Len(),
		Holding:    r.in.WantHold(),
		Closed:     r.in.Closed(),
		Rules:      rules,
	}
}
