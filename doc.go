// Package numina is a runtime for long-lived, LLM-backed conversational
// agents. Each agent owns a labeled memory set, a tool catalog governed by
// declarative execution rules, a compressible message history, and a
// streaming response loop against a model provider. Groups coordinate
// several agents under named patterns (round-robin, pipeline, supervisor,
// voting, dynamic selection, sleeptime monitoring).
//
// The root package holds the core: identifiers and entities, the memory
// store, the tool registry and rule engine, message batching and
// compression, the context builder, the agent runtime, and the coordination
// layer. Storage backends live under store/, model-provider clients under
// provider/, built-in tools under tools/, and the OTEL-backed tracer under
// observer/.
package numina
