// Package llm adapts generative providers to a single stateless Provider
// interface. Every call carries the full system instructions and prompt;
// nothing relies on provider-side conversation memory. Temperature is fixed
// at zero for reproducible answers.
package llm
