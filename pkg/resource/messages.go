package resource

// Resource protocol exchange, one request per stream:
//
//	client -> server: fetchRequest
//	server -> client: fetchResponse
//	server -> client: data chunks ([]byte frames) until Size bytes were sent
//
// All frames are cramberry length-delimited.

// Response status codes.
const (
	statusOK uint32 = iota
	statusNotFound
	statusNotAllowed
	statusTooLarge
	statusUnavailable
)

type fetchRequest struct {
	Ref string `cramberry:"1,required"`
}

type fetchResponse struct {
	Status uint32 `cramberry:"1"`
	Name   string `cramberry:"2"`
	Size   uint64 `cramberry:"3"`
}

func statusError(status uint32) error {
	switch status {
	case statusNotFound:
		return ErrNotFound
	case statusNotAllowed:
		return ErrNotAllowed
	case statusTooLarge:
		return ErrTooLarge
	default:
		return ErrNotFound
	}
}
