// Package mnemo is a memory-augmented conversational agent runtime.
//
// An agent built with mnemo carries long-term memory across sessions:
// every turn is mined for facts worth keeping, stored as embeddings in a
// vector collection, and surfaced back into the prompt when a later turn
// asks about them. An optional reflection layer grades the agent's own
// reasoning and stores the good traces for reuse.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/mnemo/cmd/mnemo@latest
//
// Create a configuration:
//
//	llms:
//	  default-llm:
//	    type: "anthropic"
//	    model: "claude-sonnet-4-20250514"
//	    api_key: "${ANTHROPIC_API_KEY}"
//
//	memory:
//	  enabled: true
//	  vector:
//	    type: "chromem"
//	    chromem:
//	      persist_path: ".mnemo/vectors"
//
// Start the server:
//
//	mnemo serve --config mnemo.yaml
//
// Then talk to it over the session API:
//
//	curl -X POST localhost:8080/sessions/my-session/run \
//	  -H 'Content-Type: application/json' \
//	  -d '{"input": "My favorite color is green."}'
//
// # Embedding in Go
//
// The same assembly the CLI uses is available as a library:
//
//	cfg, _, err := config.LoadConfigFile(ctx, "mnemo.yaml")
//	if err != nil {
//		return err
//	}
//	rt, err := runtime.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer rt.Close()
//
//	result, err := rt.Agent().Run(ctx, "my-session", "What is my favorite color?", nil, nil)
//
// Individual packages compose on their own as well: pkg/memory and
// pkg/reflection work against any vector.Store, pkg/session against any
// kv.Store, and pkg/llm providers are plain interfaces.
package mnemo
