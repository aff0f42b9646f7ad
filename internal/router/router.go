// Package router decides which backend endpoint handles a turn.
package router

import "scribe/internal/models"

type Endpoint int

const (
	Ask Endpoint = iota
	AgentWebsearch
	AgentBachelorarbeit
	AgentGeneral
)

var endpointPaths = map[Endpoint]string{
	Ask:                 "/api/ai/ask",
	AgentWebsearch:      "/api/ai/agent/websearch",
	AgentBachelorarbeit: "/api/ai/agent/bachelorarbeit",
	AgentGeneral:        "/api/ai/agent/general",
}

// Path is the URL path of the endpoint, relative to the backend base URL.
func (e Endpoint) Path() string { return endpointPaths[e] }

func (e Endpoint) String() string {
	switch e {
	case AgentWebsearch:
		return "agent/websearch"
	case AgentBachelorarbeit:
		return "agent/bachelorarbeit"
	case AgentGeneral:
		return "agent/general"
	default:
		return "ask"
	}
}

// MultiTurn reports whether the endpoint takes the message history shape
// rather than the single-question shape.
func (e Endpoint) MultiTurn() bool { return e != Ask }

// Route maps the context selection and agent state to an endpoint. First
// match wins; the function has no side effects.
func Route(sel models.ContextSelection, st models.AgentState) Endpoint {
	switch {
	case sel.AgentMode == models.ModeStandard && sel.Web:
		return AgentWebsearch
	case sel.AgentMode == models.ModeStandard:
		return Ask
	case st.IsActive:
		if st.ArbeitType == models.ArbeitGeneral {
			return AgentGeneral
		}
		return AgentBachelorarbeit
	case sel.AgentMode == models.ModeBachelor:
		return AgentBachelorarbeit
	case sel.AgentMode == models.ModeGeneral:
		return AgentGeneral
	}
	return Ask
}

// UsesAgentParser selects the agent-stream parser over the standard one.
func UsesAgentParser(sel models.ContextSelection, ep Endpoint) bool {
	return sel.AgentMode != models.ModeStandard || ep == AgentWebsearch
}
