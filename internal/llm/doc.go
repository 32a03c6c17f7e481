// Package llm contains adapters for invoking large language models. It hides
// provider-specific APIs behind a single text-in/text-out Client used by the
// crew engines.
package llm
