package services

import "strings"

// Service identifies one logical message source tracked by the metadata store.
type Service string

const (
	Kalshi     Service = "kalshi"
	Polymarket Service = "polymarket"
	Weather    Service = "weather"
)

const (
	// HistoryKeyPrefix is the namespace all raw history collections live under.
	HistoryKeyPrefix = "history:"

	// stationPrefix marks NOAA-style station identifiers (KAUS, KJFK, ...).
	// All stations collapse into the single logical weather service.
	stationPrefix = 'K'
	stationLen    = 4
)

var known = map[Service]struct{}{
	Kalshi:     {},
	Polymarket: {},
	Weather:    {},
}

// Known reports whether s is in the service allow-list.
func Known(s Service) bool {
	_, ok := known[s]
	return ok
}

// All returns the allow-listed services in no particular order.
func All() []Service {
	out := make([]Service, 0, len(known))
	for s := range known {
		out = append(out, s)
	}
	return out
}

// ParseServiceKey maps a raw storage key to its canonical service. It accepts
// keys of the form "history:<name>" or "history:<name>:<rest>". A <name> of
// exactly four characters starting with 'K' is a weather station and maps to
// the weather service; any other name must be allow-listed. The bool result
// is false when the key belongs to no known service.
func ParseServiceKey(key string) (Service, bool) {
	rest, ok := strings.CutPrefix(key, HistoryKeyPrefix)
	if !ok || rest == "" {
		return "", false
	}

	name := rest
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		name = rest[:i]
	}
	if name == "" {
		return "", false
	}

	if len(name) == stationLen && name[0] == stationPrefix {
		return Weather, true
	}

	s := Service(strings.ToLower(name))
	if !Known(s) {
		return "", false
	}
	return s, true
}
