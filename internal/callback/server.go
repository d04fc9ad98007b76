package callback

import (
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

// WaitTimeout is how long the login flow waits for the browser callback.
const WaitTimeout = 10 * time.Minute

//go:embed templates/login_success.html
var loginSuccessHTML string

//go:embed templates/login_error.html
var loginErrorHTML string

// Result carries the parameters the provider delivered to the redirect URI.
type Result struct {
	// Code is the authorization code.
	Code string

	// State is echoed back for verification against the login nonce.
	State string

	// Error is the provider's error code when authorization failed.
	Error string

	// ErrorDescription is the provider's human-readable failure description.
	ErrorDescription string
}

// IsError reports whether the provider returned an authorization error.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// Server is a temporary loopback HTTP server receiving a single
// authorization callback, after which it shuts down.
type Server struct {
	port      int
	server    *http.Server
	listener  net.Listener
	resultCh  chan *Result
	errorCh   chan error
	once      sync.Once
	serverURL string
}

// NewServer creates a callback server for the given port. Port 0 selects a
// random free port; the bound port is available from Port after Start.
func NewServer(port int) *Server {
	return &Server{
		port:     port,
		resultCh: make(chan *Result, 1),
		errorCh:  make(chan error, 1),
	}
}

// Start begins listening on the loopback interface and returns the redirect
// URI to register with the provider. The server stops when ctx is cancelled
// or after the first callback.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.serverURL = fmt.Sprintf("http://localhost:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.RedirectURI(), nil
}

// Wait blocks until the callback arrives, the server fails, or ctx is
// cancelled.
func (s *Server) Wait(ctx context.Context) (*Result, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleCallback accepts the first callback request; later requests are
// rejected.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

// processCallback parses the provider's redirect, renders the result page
// and delivers the result to the waiting flow. Called exactly once.
func (s *Server) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &Result{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	var tmpl *template.Template
	var data interface{}

	if result.IsError() {
		tmpl = template.Must(template.New("error").Parse(loginErrorHTML))
		data = map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		}
	} else {
		tmpl = template.Must(template.New("success").Parse(loginSuccessHTML))
		data = map[string]string{}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Give the response time to flush before tearing the server down.
	go func() {
		time.Sleep(1 * time.Second)
		s.Stop()
	}()
}

// Stop gracefully shuts down the server. Safe to call multiple times.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// RedirectURI returns the redirect URI served by this server.
func (s *Server) RedirectURI() string {
	return s.serverURL + "/callback"
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}
