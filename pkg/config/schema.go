package config

// builtinSchema constrains the configuration document. Defaults here
// are structural (ports, formats); domain defaults like toolchain
// locations live with the components that own them.
const builtinSchema = `
#Config: {
	cloud: {
		endpoint: string & =~"^https?://"
		login:    string
		key_id:   string
		key_path: string
	}

	instance: {
		image: string
		type:  string
		allowed_types?: [...string]
	}

	ssh: {
		user:     string
		key_path: string
		port:     int & >0 & <65536 | *22
	}

	bootstrap?: {
		url?:             string
		mirror?:          string
		conf_path?:       string
		runtime_package?: string
	}

	store?: {
		path?: string
	}

	policy?: {
		paths?: [...string]
	}

	telemetry?: {
		log_level?:      "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:     "console" | "json"
		metrics_listen?: string
		trace_exporter?: "otlp" | "stdout" | "none"
		trace_endpoint?: string
	}
}
`
