// Package config handles configuration loading for coven-node.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from COVEN_NODE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/node.yaml
//  3. ~/.config/coven/node.yaml
//
// The format follows the extension: .yaml/.yml, .toml or .json. Keys are the
// same in every format:
//
//	node_id: "workstation"
//	display_name: "Workstation"
//	gateway_host: "gateway.local"
//	gateway_port: 18789
//	gateway_token: "${COVEN_GATEWAY_TOKEN}"
//	system_enabled: true
//	canvas_enabled: false
//	canvas_backend: "none"          # chrome, none
//	exec_approvals_path: "~/.coven/exec-approvals.json"
//
//	timeouts:
//	  handshake: "5s"
//	  request: "15s"
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json, color
//
// gateway_url, when set, replaces gateway_host, gateway_port, gateway_path
// and gateway_tls.
//
// # Environment
//
// ${VAR_NAME} references in the file are expanded before parsing. After
// parsing, COVEN_NODE_* variables override individual settings, for example
// COVEN_NODE_GATEWAY_TOKEN or COVEN_NODE_LOG_LEVEL.
package config
