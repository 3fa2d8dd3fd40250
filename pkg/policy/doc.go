// Package policy gates focusbridge operations with Open Policy Agent (OPA)
// Rego policies.
//
// Every operation is evaluated before it is composed into a script. A policy
// reports findings through two sets in its package: deny findings block the
// operation unless their severity is info or warning, and warn findings are
// logged. Elements are either a message or an object:
//
//	deny contains {"message": "...", "severity": "critical"} if { ... }
//
// Policies see this input:
//
//	{
//	  "operation": {
//	    "id": "...", "entityClass": "task", "mode": "update",
//	    "mutation": true, "targetIdentifier": "...",
//	    "fields": ["flagged"], "fieldDelta": {"flagged": true},
//	    "escalated": false, "filtered": false, "projection": [], "limit": 0
//	  },
//	  "context": {"readOnly": false, "timestamp": "..."}
//	}
//
// # Built-in Policies
//
//   - read-only: denies mutations while read-only mode is on
//   - mutation-target: denies updates and deletes without a target identifier
//   - unbounded-read: warns about reads with neither a predicate nor a limit
//   - escalation-notice: notes writes routed through the escalation context
//
// # Custom Policies
//
// Extra .rego files, or JSON definitions carrying name, rego and severity,
// are loaded from the configured paths and reloaded when they change:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	eng.SetReadOnly(cfg.Policy.ReadOnly)
//	loader, err := eng.WatchPolicies(ctx, cfg.Policy.Paths)
//
// The engine implements engine.PolicyGate; denials carry the
// engine.ErrCodePolicyDenied code.
package policy
