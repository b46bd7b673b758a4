package task

// TokenGrant is the derived record proving a bearer may open a WebSocket
// against (TaskID, Hostname) until ExpiresAt. It is
// single-use: the nonce is consumed by the gateway on first handshake.
type TokenGrant struct {
	User      string
	TaskID    string
	Hostname  string
	ExpiresAt int64 // unix seconds
	Nonce     string
}
