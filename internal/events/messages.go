// ABOUTME: Catalogue of system event messages published by the core services
// ABOUTME: Hooks match on these strings to react to lifecycle transitions

package events

// System event messages. The comment on each names the payload it carries.
const (
	CoreStarting  = "Starting core systems..."           // ServiceStatus
	CoreReady     = "Finished starting core systems."    // ServiceStatus
	UserShutdown  = "System shutdown requested by user." // nil
	CommsStarting = "Starting comms server..."           // Endpoint
	CommsOnline   = "Comms server online."               // Endpoint
	CommsOffline  = "Unable to start comms server."      // Failure

	UserConnected         = "User connected to comms system."                          // ConnectionID
	UserDisconnected      = "User disconnected from comms system."                     // ConnectionID
	UserConnectionAborted = "User disconnected from comms system. Connection aborted." // Failure

	LLMStarting = "Starting LLM server..."      // Text (base URL)
	LLMOnline   = "LLM server online."          // Text (base URL)
	LLMOffline  = "Unable to start LLM server." // Failure

	ReplyFailed = "Unable to reply to user message." // Failure
)

// Greetings pushed as agent messages once core start-up finishes.
const (
	GreetingAllOnline   = "Welcome! All core systems online!"
	GreetingSomeOffline = "Welcome! Some core systems are offline."
)
