package apperr

// Envelope is the body of every error response.
type Envelope struct {
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Response returns the status code and envelope for err, ready for
// gin's AbortWithStatusJSON.
func Response(err error) (int, Envelope) {
	status := Status(err)
	return status, Envelope{Status: status, Detail: Detail(err)}
}
