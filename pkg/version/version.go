package version

// Version is the current version of the signaling server
const Version = "1.0.0"

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "rtcbridge/" + Version
}
