package pushclient

// ClientDelegate receives the notifications of a Client. All calls for one
// Client are made one at a time on its dispatch lane and must return quickly.
type ClientDelegate interface {
	OnListenStart(c *Client)
	OnListenEnd(c *Client)
	OnStatusChange(status Status)
	OnPropertyChange(property string)
	// OnServerError reports a session refused or closed by the server with an
	// explicit code. The client stays DISCONNECTED until Connect is called.
	OnServerError(code int, message string)
}

// BaseClientDelegate implements ClientDelegate with no-ops, for embedding.
type BaseClientDelegate struct{}

func (BaseClientDelegate) OnListenStart(*Client)     {}
func (BaseClientDelegate) OnListenEnd(*Client)       {}
func (BaseClientDelegate) OnStatusChange(Status)     {}
func (BaseClientDelegate) OnPropertyChange(string)   {}
func (BaseClientDelegate) OnServerError(int, string) {}
