package provisioning

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// testServer is an httptest server counting every request it receives.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux
	calls  atomic.Int32
}

func newTestServer() *testServer {
	ts := &testServer{mux: http.NewServeMux()}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		ts.mux.ServeHTTP(w, r)
	}))
	return ts
}

func (ts *testServer) close() {
	ts.server.Close()
}

func (ts *testServer) url() string {
	return ts.server.URL
}

func (ts *testServer) handleFunc(pattern string, handler http.HandlerFunc) {
	ts.mux.HandleFunc(pattern, handler)
}

// jsonResponse writes a JSON response with the given status code and body.
func jsonResponse(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// sequence returns a handler that serves the given handlers in order and
// repeats the last one.
func sequence(handlers ...http.HandlerFunc) http.HandlerFunc {
	var n atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(handlers) {
			i = len(handlers) - 1
		}
		handlers[i](w, r)
	}
}
