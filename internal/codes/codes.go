package codes

// Stable error codes printed by the CLI and carried by hostapi errors.
const (
	Usage  = "HOSTIPC_E_USAGE"
	IO     = "HOSTIPC_E_IO"
	Config = "HOSTIPC_E_CONFIG"

	Remote          = "HOSTIPC_E_REMOTE"
	Timeout         = "HOSTIPC_E_TIMEOUT"
	Transport       = "HOSTIPC_E_TRANSPORT"
	Protocol        = "HOSTIPC_E_PROTOCOL"
	Closed          = "HOSTIPC_E_CLOSED"
	ListenerFailure = "HOSTIPC_E_LISTENER_FAILURE"
	Agent           = "HOSTIPC_E_AGENT"
	Diag            = "HOSTIPC_E_DIAG"
)
