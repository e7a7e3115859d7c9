package ports

import "net/http"

// HTTPDoer performs outbound HTTP calls. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
