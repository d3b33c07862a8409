// Package config handles configuration loading for wotgraph.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME}) and Go duration syntax for time values:
//
//	relays:
//	  urls:
//	    - "wss://relay.example.net"
//	    - "wss://relay.other.example"
//	  max_in_flight: 5
//	  connect_timeout: "10s"
//	  request_timeout: "15s"
//	  base_delay: "100ms"
//	  max_delay: "10s"
//
//	database:
//	  path: "${XDG_DATA_HOME}/wotgraph/graph.db"
//
//	crawler:
//	  batch_size: 50
//	  default_max_depth: 3
//	  progress_every: "200ms"
//
//	store:
//	  flush_records: 100
//	  flush_ids: 500
//	  flush_idle: "2s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// All tuning fields have defaults; only database.path is required.
package config
