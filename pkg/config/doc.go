// Package config loads and validates the controller's YAML service
// configuration.
//
// Defaults are applied before validation, so an empty file is a valid
// config. Validation combines validator/v10 struct tags with the few
// cross-field rules tags cannot express. A Watcher re-reads the file
// on fsnotify changes, ignoring edits that fail to validate so a bad
// write never takes down a running controller.
//
// Example file:
//
//	server:
//	  name: controller-1
//	  metrics_addr: 0.0.0.0:9310
//	store:
//	  path: /var/lib/stevedore/state.db
//	agent:
//	  binary_path: /usr/local/bin/stevedore-agent
//	  ssh:
//	    user: deploy
//	    private_key_path: /etc/stevedore/id_ed25519
//	    known_hosts_path: /etc/stevedore/known_hosts
//	authz:
//	  policy_paths: [/etc/stevedore/policies]
//	  roles:
//	    alice: [admin]
//	    bob: [deployer]
//	telemetry:
//	  log_level: info
//	  log_format: json
package config
