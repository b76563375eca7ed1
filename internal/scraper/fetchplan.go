package scraper

import (
	"github.com/trendscope/harvester/internal/harvest"
)

// capability names the upstream backend a fetch call targets.
type capability string

const (
	capabilityReels capability = "reels"
	capabilityPosts capability = "posts"
)

// fetchCall is one planned upstream invocation: a capability plus the
// content-type subset it is responsible for.
type fetchCall struct {
	capability capability
	types      []harvest.ContentType
	// sendDaysHint asks the backend to window results server-side; the
	// client still applies its own cutoff afterwards.
	sendDaysHint bool
}

// planCalls maps a requested content-type set to the ordered list of
// upstream calls. Reels and non-reels hit different backends with
// incompatible result shapes and rate-limit budgets, so the two are never
// combined into one request.
func planCalls(requested []harvest.ContentType) []fetchCall {
	var reels, general []harvest.ContentType
	for _, ct := range requested {
		if ct == harvest.ContentTypeReel {
			reels = append(reels, ct)
		} else {
			general = append(general, ct)
		}
	}

	var calls []fetchCall
	if len(reels) > 0 {
		calls = append(calls, fetchCall{capability: capabilityReels, types: reels})
	}
	if len(general) > 0 {
		calls = append(calls, fetchCall{capability: capabilityPosts, types: general, sendDaysHint: true})
	}
	return calls
}

// wantsType reports whether the call's subset includes the content type.
func (c fetchCall) wantsType(ct harvest.ContentType) bool {
	for _, t := range c.types {
		if t == ct {
			return true
		}
	}
	return false
}
