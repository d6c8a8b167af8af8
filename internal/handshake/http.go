package handshake

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

var (
	ErrNotConnect        = errors.New("not an http CONNECT request")
	ErrNoHost            = errors.New("host value not found in uri")
	ErrNoScheme          = errors.New("scheme value not found in uri")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrChunkedBody       = errors.New("chunked request bodies are not supported")
)

const failureBody = "<h1>connect failed</h1>"

// HTTPRequest is the outcome of reading one proxy request head.
type HTTPRequest struct {
	Method string
	// Target is the "host:port" the request must reach.
	Target string
	// Version is "1.1" or "1.0", echoed in the handshake reply.
	Version string
	Connect bool
	// Head is the origin-form request head for forwarded requests.
	Head []byte
	// BodyLength counts body bytes still buffered behind Head.
	BodyLength int64
}

// ReadHTTPRequest reads one request head from br. CONNECT requests yield
// their authority as Target. Other methods are rejected with ErrNotConnect
// unless forward is set, in which case the absolute URI is resolved and the
// head rewritten to origin form.
func ReadHTTPRequest(br *bufio.Reader, forward bool) (*HTTPRequest, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("parse http request failed: %w", err)
	}
	out := &HTTPRequest{
		Method:  req.Method,
		Version: httpVersion(req),
	}
	if req.Method == http.MethodConnect {
		out.Connect = true
		out.Target = req.RequestURI
		return out, nil
	}
	if !forward {
		return out, fmt.Errorf("%w (method=%s)", ErrNotConnect, req.Method)
	}
	if err := out.prepareForward(req); err != nil {
		return out, err
	}
	return out, nil
}

func (r *HTTPRequest) prepareForward(req *http.Request) error {
	target, err := forwardTarget(req.URL)
	if err != nil {
		return err
	}
	if len(req.TransferEncoding) > 0 {
		return ErrChunkedBody
	}
	r.Target = target
	r.Head = rewriteHead(req, r.Version)
	if req.ContentLength > 0 {
		r.BodyLength = req.ContentLength
	}
	return nil
}

// forwardTarget derives host:port from an absolute-form request URI.
func forwardTarget(u *url.URL) (string, error) {
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return "", ErrNoHost
	}
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "":
			return "", ErrNoScheme
		default:
			return "", fmt.Errorf("%w %s", ErrUnsupportedScheme, u.Scheme)
		}
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port %q: %w", port, err)
	}
	return host + ":" + port, nil
}

// rewriteHead serializes the request line in origin form followed by the
// original headers. http.ReadRequest lifts Host out of the header map so it
// is written back first.
func rewriteHead(req *http.Request, version string) []byte {
	var b bytes.Buffer
	path := req.URL.RequestURI()
	fmt.Fprintf(&b, "%s %s HTTP/%s\r\n", req.Method, path, version)
	if req.Host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	}
	_ = req.Header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

func httpVersion(req *http.Request) string {
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return "1.0"
	}
	return "1.1"
}

// WriteHTTPReply answers a proxy request: 200 Connection Established on
// success, 503 with a short HTML body otherwise.
func WriteHTTPReply(w io.Writer, version string, ok bool) error {
	var resp string
	if ok {
		resp = "HTTP/" + version + " 200 Connection Established\r\n\r\n"
	} else {
		resp = "HTTP/" + version + " 503 Service Unavailable\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"Content-length: " + strconv.Itoa(len(failureBody)) + "\r\n\r\n" +
			failureBody
	}
	_, err := io.WriteString(w, resp)
	return err
}

// ForwardReader turns a keep-alive stream of absolute-form requests into
// the byte stream an origin server expects: every head is rewritten and
// Content-Length bodies pass through untouched.
type ForwardReader struct {
	br      *bufio.Reader
	pending []byte
	body    int64
}

// NewForwardReader starts with the already-parsed first request.
func NewForwardReader(br *bufio.Reader, first *HTTPRequest) *ForwardReader {
	return &ForwardReader{br: br, pending: first.Head, body: first.BodyLength}
}

func (f *ForwardReader) Read(p []byte) (int, error) {
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		return n, nil
	}
	if f.body > 0 {
		if int64(len(p)) > f.body {
			p = p[:f.body]
		}
		n, err := f.br.Read(p)
		f.body -= int64(n)
		if err == io.EOF && f.body > 0 {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}
	if _, err := f.br.Peek(1); err != nil {
		return 0, err
	}
	next, err := ReadHTTPRequest(f.br, true)
	if err != nil {
		return 0, err
	}
	if next.Connect {
		return 0, fmt.Errorf("CONNECT on a forwarded connection")
	}
	f.pending, f.body = next.Head, next.BodyLength
	return f.Read(p)
}
