// Package pipeline is the multi-agent orchestration core.
//
// A query flows draft answer -> quality classification -> routing. Good and
// neutral answers finalize as-is; bad answers and explicit contact requests
// trigger a streamed follow-up offering a human-expert hand-off, whose
// yes/no decision is managed by the Coordinator. The whole flow is exposed
// to callers as one ordered event stream per query.
package pipeline
