// Package config handles configuration loading for yoda.
//
// # Configuration File
//
// The file is chosen by ResolvePath, in order:
//
//  1. The --config flag
//  2. The YODA_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/yoda/config.yaml (~/.config/yoda/config.yaml)
//
// A missing file is not an error: Default values are used. Files ending in
// .toml are parsed as TOML, everything else as YAML.
//
// # Environment
//
// ${VAR_NAME} references inside the file are expanded before parsing.
// After the file is applied, YODA_* variables override individual keys:
//
//	YODA_COMMS_PORT=4000
//	YODA_LLM_ENABLED=false
//	YODA_LOG_LEVEL=debug
//
// # Example
//
//	comms:
//	  host: "localhost"
//	  port: 1234
//	  cert_file: "server.crt"
//	  key_file: "server.key"
//	  max_frame_size: 65536
//	  write_timeout: "5s"
//	  handshake_timeout: "10s"
//
//	llm:
//	  enabled: true
//	  base_url: "http://localhost:11434"
//	  health_path: "/api/version"
//	  poll_interval: "500ms"
//	  setup_timeout: "30s"
//	  request_timeout: "2s"
//
//	bus:
//	  workers: 5
//	  history_size: 0          # 0 keeps every event
//	  dump_path: "temp/AppEventStream_history.log"
//
//	journal:
//	  path: ""                 # empty disables the SQLite journal
//
//	shutdown_timeout: "10s"
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
//
// Durations use time.ParseDuration syntax.
package config
