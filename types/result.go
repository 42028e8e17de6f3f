package types

// SocketProtocolPreloader marks the preloader's command channel among the
// sockets a handshake reports. All other protocols describe app traffic.
const SocketProtocolPreloader = "preloader"

// Socket describes one listening socket reported by a spawned process in
// <workdir>/response/properties.json.
type Socket struct {
	// Address is the socket address ("unix:/path" or "tcp://host:port").
	Address string `json:"address"`
	// Protocol is the application protocol spoken on the socket.
	Protocol string `json:"protocol"`
	// Concurrency is the socket's concurrency hint; 0 means unlimited.
	Concurrency int `json:"concurrency"`
	// AcceptHTTPRequests reports whether the load balancer may route
	// HTTP traffic to this socket.
	AcceptHTTPRequests bool `json:"accept_http_requests"`
}

// Result is what a successful spawn returns to the pool: enough to route
// traffic to the new process.
type Result struct {
	// Pid is the spawned process.
	Pid int `json:"pid"`
	// Sockets are the listening sockets the process reported.
	Sockets []Socket `json:"sockets"`
}

// PreloaderAddress returns the address of the preloader command socket,
// or "" when the result does not contain one.
func (r *Result) PreloaderAddress() string {
	for _, s := range r.Sockets {
		if s.Protocol == SocketProtocolPreloader {
			return s.Address
		}
	}
	return ""
}
