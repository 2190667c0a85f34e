package handlers

// Slug is a short machine-readable outcome code carried on every response
type Slug string

// Response slugs
const (
	// SuccessSlug indicates the request was handled successfully
	SuccessSlug Slug = "success"
	// ErrorSlug indicates a generic request failure
	ErrorSlug Slug = "error"
	// InvalidInputSlug indicates the request body or parameters failed validation
	InvalidInputSlug Slug = "invalid-input"
	// NotFoundSlug indicates the requested resource does not exist for this owner
	NotFoundSlug Slug = "not-found"
	// ConflictSlug indicates the request conflicts with the resource's current state
	ConflictSlug Slug = "conflict"
	// ServerErrorSlug indicates an internal failure unrelated to the request
	ServerErrorSlug Slug = "server-error"
)

// Response is the envelope returned by every API handler
type Response struct {
	Slug  Slug        `json:"slug"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

func errInvalidInput(msg string) Response {
	return Response{
		Slug:  InvalidInputSlug,
		Error: msg,
	}
}

func errNotFound(msg string) Response {
	return Response{
		Slug:  NotFoundSlug,
		Error: msg,
	}
}

func errConflict(msg string) Response {
	return Response{
		Slug:  ConflictSlug,
		Error: msg,
	}
}

func errServer(msg string) Response {
	return Response{
		Slug:  ServerErrorSlug,
		Error: msg,
	}
}
