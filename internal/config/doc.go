// Package config provides configuration parsing for scenesync projects.
//
// The configuration is stored in scenesync.json at the project root.
// This package handles loading, saving, and validating configuration.
// Every field is optional; missing values take the package defaults.
//
// # Configuration File Structure
//
//	{
//	  "host": "studio-a",
//	  "listen": ":7420",
//	  "protocol": { "vecSize": 4, "maxHosts": 8 },
//	  "transport": {
//	    "bufferSize": 8192,
//	    "poolSize": 64,
//	    "sendEvents": false
//	  },
//	  "link": { "pingInterval": "15s", "pongTimeout": "45s" },
//	  "recordings": {
//	    "backend": "s3",
//	    "bucket": "scene-captures",
//	    "prefix": "studio-a/"
//	  },
//	  "metrics": { "namespace": "studio" },
//	  "events": { "topic": "studio.events" }
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	t, err := bufmess.New(cfg.BufmessConfig())
package config
