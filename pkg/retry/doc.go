// Package retry implements exponential backoff for transient failures.
// It consults the errdefs taxonomy: anything classified permanent,
// conflict, or not-found stops the loop on the first attempt.
package retry
