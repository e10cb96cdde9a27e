package relayjournal

import "strings"

// Whitelist holds the sender identities a transport accepts. An empty
// whitelist accepts everyone; transports that must not run open check
// Empty at startup.
type Whitelist struct {
	ids map[string]struct{}
}

func NewWhitelist(ids []string) Whitelist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return Whitelist{ids: set}
}

func (w Whitelist) Empty() bool {
	return len(w.ids) == 0
}

func (w Whitelist) Allows(id string) bool {
	if len(w.ids) == 0 {
		return true
	}
	_, ok := w.ids[strings.TrimSpace(id)]
	return ok
}
