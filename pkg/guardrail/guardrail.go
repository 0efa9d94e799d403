// Package guardrail implements the Tool-Call Guardrail (spec.md §4.G):
// an L1 network pre-hook (grounded on pkg/netguard, itself adapted from
// pkg/boundary/perimeter.go) and an L2 policy-tier gate (grounded on
// pkg/firewall/firewall.go's PolicyFirewall) that together decide
// whether a tool invocation reaches the real dispatcher.
package guardrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentsec/broker/pkg/envelope"
	"github.com/agentsec/broker/pkg/netguard"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Dispatcher executes the tool once both layers admit the call.
type Dispatcher interface {
	Dispatch(ctx context.Context, toolName string, params map[string]any) (any, error)
}

// webFetchTools names the tools L1's network pre-hook applies to.
var webFetchTools = map[string]bool{
	"WebFetch":  true,
	"web_fetch": true,
	"http_get":  true,
}

// pathTools names the tools L2's sensitive-path predicate applies to.
var pathTools = map[string]bool{
	"Read":  true,
	"Write": true,
	"Glob":  true,
	"Grep":  true,
}

// Guard is the two-layer tool-call guardrail.
type Guard struct {
	net       *netguard.Guard
	tierTools map[string]map[string]bool
	schemas   map[string]*jsonschema.Schema
	next      Dispatcher
	envelope  *envelope.EnvelopeGate
	dataDir   string
}

// New builds a Guard. tierTools maps a permission tier name to its
// pre-declared allow-list of tool names (TIER_TOOLS). A nil envelopeGate
// disables result wrapping; CallTool still dispatches normally. dataDir is
// the broker's own vault/audit/attachment-outbox root, which L2 protects
// the same as any other sensitive path (spec.md §4.G); pass "" to skip
// this check (e.g. in tests with no on-disk data dir).
func New(net *netguard.Guard, tierTools map[string][]string, next Dispatcher, dataDir string) *Guard {
	return NewWithEnvelope(net, tierTools, next, nil, dataDir)
}

// NewWithEnvelope is New plus an EnvelopeGate that wraps every successful
// web-fetch-style tool result before it is returned, per spec.md §4.I:
// content a tool pulls from outside the broker is untrusted the moment it
// re-enters the prompt, so it is labelled here, at the point it leaves
// the guardrail, rather than leaving callers to remember to wrap it.
func NewWithEnvelope(net *netguard.Guard, tierTools map[string][]string, next Dispatcher, envelopeGate *envelope.EnvelopeGate, dataDir string) *Guard {
	g := &Guard{
		net:       net,
		tierTools: make(map[string]map[string]bool, len(tierTools)),
		schemas:   make(map[string]*jsonschema.Schema),
		next:      next,
		envelope:  envelopeGate,
		dataDir:   dataDir,
	}
	for tier, tools := range tierTools {
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[t] = true
		}
		g.tierTools[tier] = set
	}
	return g
}

// AllowToolSchema registers a JSON Schema the named tool's parameters
// must satisfy, generalizing spec.md §4.G's per-tool allow-list to also
// constrain tool parameters per the L2 policy tier (SPEC_FULL.md [G]).
func (g *Guard) AllowToolSchema(toolName, schema string) error {
	if schema == "" {
		delete(g.schemas, toolName)
		return nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://broker.local/guardrail/" + toolName + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("guardrail: load schema for %s: %w", toolName, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("guardrail: compile schema for %s: %w", toolName, err)
	}
	g.schemas[toolName] = compiled
	return nil
}

// CallTool runs the permission-tier gate, then L1, then L2, then
// dispatches. A call denied at any layer never reaches the dispatcher.
func (g *Guard) CallTool(ctx context.Context, tier, toolName string, params map[string]any) (any, error) {
	allowed, ok := g.tierTools[tier]
	if !ok || !allowed[toolName] {
		return nil, fmt.Errorf("guardrail: tool %q not permitted in tier %q", toolName, tier)
	}

	if err := g.checkL1(toolName, params); err != nil {
		return nil, err
	}

	if err := g.checkL2(toolName, params); err != nil {
		return nil, err
	}

	if schema, ok := g.schemas[toolName]; ok && schema != nil {
		if params == nil {
			return nil, fmt.Errorf("guardrail: tool %q missing parameters", toolName)
		}
		if err := schema.Validate(params); err != nil {
			return nil, fmt.Errorf("guardrail: tool %q failed schema validation: %w", toolName, err)
		}
	}

	if g.next == nil {
		return nil, fmt.Errorf("guardrail: dispatcher not configured (fail-closed)")
	}
	result, err := g.next.Dispatch(ctx, toolName, params)
	if err != nil {
		return nil, err
	}
	return g.wrapIfExternal(toolName, params, result), nil
}

// wrapIfExternal envelopes a web-fetch tool's result so it is labelled
// untrusted before re-entering the prompt. Non-fetch tools and string-less
// results pass through unchanged.
func (g *Guard) wrapIfExternal(toolName string, params map[string]any, result any) any {
	if g.envelope == nil || !webFetchTools[toolName] {
		return result
	}
	text, ok := result.(string)
	if !ok {
		return result
	}
	serviceID, _ := params["url"].(string)
	wrapped, _ := g.envelope.WrapExternalContent(toolName, serviceID, text)
	return wrapped
}

// checkL1 is the unconditional network pre-hook: every web-fetch-style
// tool call is checked against the blocked/metadata/private address set
// before anything else runs.
func (g *Guard) checkL1(toolName string, params map[string]any) error {
	if !webFetchTools[toolName] {
		return nil
	}
	raw, _ := params["url"].(string)
	if raw == "" {
		return fmt.Errorf("guardrail: %s missing url parameter", toolName)
	}
	host, err := hostFromURL(raw)
	if err != nil {
		return fmt.Errorf("guardrail: %s: %w", toolName, err)
	}
	if _, err := netguard.ValidateHostFormat(host); err != nil {
		return fmt.Errorf("guardrail: %s: %w", toolName, err)
	}
	if g.net != nil {
		if err := g.net.CheckHost(host); err != nil {
			return fmt.Errorf("guardrail: %s: %w", toolName, err)
		}
	}
	return nil
}
