package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var registry = map[string]ErrorTemplate{
	// Configuration (E001-E019)

	"E001": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Detail:     "The configuration file passed with --config does not exist.",
		Suggestion: "Run 'serversignal init' to write a default serversignal.json.",
	},
	"E002": {
		Category: CategoryConfig,
		Message:  "Invalid JSON in config file",
		Detail:   "The configuration file could not be parsed as JSON.",
	},
	"E003": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is out of range or inconsistent with another one.",
	},
	"E004": {
		Category:   CategoryConfig,
		Message:    "Unknown codec",
		Detail:     "The codec must be \"binary\" or \"json\".",
		Suggestion: "Omit the codec to use the binary protocol.",
	},
	"E005": {
		Category: CategoryConfig,
		Message:  "Config file already exists",
		Detail:   "Refusing to overwrite an existing configuration file.",
	},

	// Transport (E020-E039)

	"E020": {
		Category:   CategoryTransport,
		Message:    "WebSocket connection failed",
		Detail:     "The client could not connect to the server.",
		Suggestion: "Check that the server is running and the URL path matches its WebSocket path.",
	},
	"E021": {
		Category:   CategoryTransport,
		Message:    "Address already in use",
		Detail:     "Another process is listening on the configured address.",
		Suggestion: "Pick another port with --addr.",
	},
	"E022": {
		Category: CategoryTransport,
		Message:  "Connection closed by server",
		Detail:   "The server closed the connection, usually during shutdown or because the client fell behind.",
	},

	// Protocol (E120-E139)

	"E120": {
		Category: CategoryProtocol,
		Message:  "Handshake rejected: protocol version mismatch",
		Detail:   "The client and server speak different protocol versions.",
	},
	"E121": {
		Category:   CategoryProtocol,
		Message:    "Handshake rejected: unknown signal",
		Detail:     "The server does not publish a signal with the requested name.",
		Suggestion: "Pass the signal name the server publishes with --signal.",
	},
	"E122": {
		Category: CategoryProtocol,
		Message:  "Handshake rejected: server busy",
		Detail:   "The server has reached its session limit.",
	},
	"E123": {
		Category: CategoryProtocol,
		Message:  "Invalid frame",
		Detail:   "A frame could not be decoded.",
	},

	// Sync (E140-E159)

	"E141": {
		Category: CategorySync,
		Message:  "Replica out of sync",
		Detail:   "An update could not be applied: a sequence gap or checksum mismatch was detected.",
	},
	"E142": {
		Category: CategorySync,
		Message:  "Resync failed",
		Detail:   "The server could not bring the replica up to date.",
	},
	"E150": {
		Category: CategorySync,
		Message:  "Patch apply failed",
		Detail:   "A JSON Patch could not be applied to the replica document.",
	},
}

// GetAllCodes returns all registered error codes in order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
