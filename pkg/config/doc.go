// Package config loads and validates focusbridge configuration.
//
// # Formats
//
// A configuration file is read according to its extension:
//
//   - .cue is compiled with cuelang.org/go and unified with the built-in
//     #Config definition, so unknown or ill-typed fields fail with positions
//   - .yaml and .yml are decoded with gopkg.in/yaml.v3
//   - .json and .jsonc are stripped of comments and trailing commas with
//     github.com/tidwall/jsonc
//
// Every format is decoded over DefaultConfig and then checked with
// go-playground/validator struct tags.
//
// # Example
//
//	// focusbridge.cue
//	bridgeTimeoutMs: 30000
//	bridge: transport: "ssh"
//	ssh: {
//		host: "mac-mini.local"
//		user: "automation"
//	}
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("focusbridge.cue")
//
// # Hot reload
//
// Watcher observes the file with fsnotify and passes every valid revision to
// a callback; the CLI uses it to apply new limits to a running engine.
// Operation batch files go through the same formats via LoadOperations and
// are checked against the #Operation definition when written in CUE.
package config
