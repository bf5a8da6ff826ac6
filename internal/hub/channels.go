package hub

import (
	"fmt"
	"strings"

	"github.com/MartianDominic/memecoin-trading-algo-sub001/internal/types"
)

// Fixed channel names.
const (
	ChannelTokens  = "tokens"
	ChannelAlerts  = "alerts"
	ChannelFilters = "filters"
	ChannelMarket  = "market"
	ChannelSignals = "signals"
)

// Patterned channel prefixes.
const (
	prefixToken  = "token:"
	prefixFilter = "filter:"
	prefixUser   = "user:"
)

// AvailableChannels lists what the welcome frame advertises.
func AvailableChannels() []string {
	return []string{
		ChannelTokens, ChannelAlerts, ChannelFilters, ChannelMarket, ChannelSignals,
		prefixToken + "{address}", prefixFilter + "{id}", prefixUser + "{id}",
	}
}

// TokenChannel names the per-token channel for address.
func TokenChannel(address string) string {
	return prefixToken + types.NormalizeAddress(address)
}

// FilterChannel names the per-filter channel for id.
func FilterChannel(id string) string { return prefixFilter + id }

// validateChannel canonicalizes name and checks it against the fixed set
// and the recognized patterns. user:{id} requires an authenticated client
// subscribing to its own id.
func validateChannel(name string, id Identity) (string, error) {
	name = strings.TrimSpace(name)
	switch name {
	case ChannelTokens, ChannelAlerts, ChannelFilters, ChannelMarket, ChannelSignals:
		return name, nil
	}
	switch {
	case strings.HasPrefix(name, prefixToken):
		addr := types.NormalizeAddress(strings.TrimPrefix(name, prefixToken))
		if addr == "" {
			return "", fmt.Errorf("empty token address")
		}
		return prefixToken + addr, nil
	case strings.HasPrefix(name, prefixFilter):
		if strings.TrimPrefix(name, prefixFilter) == "" {
			return "", fmt.Errorf("empty filter id")
		}
		return name, nil
	case strings.HasPrefix(name, prefixUser):
		user := strings.TrimPrefix(name, prefixUser)
		if user == "" {
			return "", fmt.Errorf("empty user id")
		}
		if !id.Authenticated {
			return "", fmt.Errorf("user channels require authentication")
		}
		if user != id.UserID {
			return "", fmt.Errorf("cannot subscribe to another user's channel")
		}
		return name, nil
	}
	return "", fmt.Errorf("unknown channel %q", name)
}
