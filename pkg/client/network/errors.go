package network

// ErrConnectionClosedByServer is returned when the server closes the connection
type ErrConnectionClosedByServer struct{}

func (e *ErrConnectionClosedByServer) Error() string {
	return "connection closed by server"
}

// ErrUnexpectedStatus is returned for side channel responses other than 200.
type ErrUnexpectedStatus struct {
	StatusCode int
	Body       string
}

func (e *ErrUnexpectedStatus) Error() string {
	return "unexpected status " + statusText(e.StatusCode) + ": " + e.Body
}
