/*
Package errdefs defines Roost's error taxonomy.

Every error that crosses a component boundary is one of four kinds:
transient (retry with backoff), permanent (surface, never retry),
conflict (stale version, refetch), or not-found (absent after a live
runtime lookup, a real 404). Classification happens exactly once, at
the runtime-adapter or storage layer; everything above propagates the
kind unchanged, over HTTP included (HTTPStatus / FromHTTPStatus).
*/
package errdefs
