package netconf

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	baseNamespace  = "urn:ietf:params:xml:ns:netconf:base:1.0"
	baseCapability = "urn:ietf:params:netconf:base:1.0"

	closeTimeout = 5 * time.Second
)

// ErrSessionClosed is returned by Call after the session was closed or broken.
var ErrSessionClosed = errors.New("netconf session closed")

// Hello is the capability exchange message sent by the server.
type Hello struct {
	XMLName      xml.Name `xml:"hello"`
	Capabilities []string `xml:"capabilities>capability"`
	SessionID    string   `xml:"session-id"`
}

// Session is a synchronous NETCONF session. Calls are serialised; a context
// cancelled mid-call tears the session down since the stream position is
// then unknown.
type Session struct {
	rwc io.ReadWriteCloser
	enc *Encoder
	dec *Decoder

	mu        sync.Mutex
	messageID atomic.Uint64
	broken    atomic.Bool
	closeOnce sync.Once

	// ID is the server assigned session-id
	ID string

	// Capabilities advertised by the server
	Capabilities []string
}

// Open performs the hello exchange over rwc and returns a ready session.
// On failure rwc is closed.
func Open(ctx context.Context, rwc io.ReadWriteCloser) (*Session, error) {
	s := &Session{
		rwc: rwc,
		enc: NewEncoder(rwc),
		dec: NewDecoder(rwc),
	}

	type helloResult struct {
		hello *Hello
		err   error
	}
	resultCh := make(chan helloResult, 1)

	go func() {
		h, err := s.exchangeHello()
		resultCh <- helloResult{hello: h, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = rwc.Close()
		return nil, fmt.Errorf("hello exchange: %w", ctx.Err())
	case r := <-resultCh:
		if r.err != nil {
			_ = rwc.Close()
			return nil, r.err
		}
		s.ID = r.hello.SessionID
		s.Capabilities = r.hello.Capabilities
		log.Debug().Str("session_id", s.ID).Int("capabilities", len(s.Capabilities)).Msg("netconf session established")
		return s, nil
	}
}

func (s *Session) exchangeHello() (*Hello, error) {
	clientHello := `<?xml version="1.0" encoding="UTF-8"?>` +
		`<hello xmlns="` + baseNamespace + `"><capabilities><capability>` + baseCapability +
		`</capability></capabilities></hello>`

	if err := s.enc.Encode([]byte(clientHello)); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	msg, err := s.dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	var hello Hello
	if err := xml.Unmarshal(msg, &hello); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}

	if !hasBase10(hello.Capabilities) {
		return nil, fmt.Errorf("server does not advertise %s", baseCapability)
	}

	return &hello, nil
}

func hasBase10(caps []string) bool {
	for _, c := range caps {
		if strings.TrimSpace(c) == baseCapability {
			return true
		}
	}
	return false
}

// Call sends one <rpc> wrapping body and waits for the matching reply. A reply
// carrying error-severity rpc-errors is returned together with a *ReplyError.
func (s *Session) Call(ctx context.Context, body string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken.Load() {
		return nil, ErrSessionClosed
	}

	id := strconv.FormatUint(s.messageID.Add(1), 10)
	msg := `<rpc message-id="` + id + `" xmlns="` + baseNamespace + `">` + body + `</rpc>`

	type callResult struct {
		raw []byte
		err error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		if err := s.enc.Encode([]byte(msg)); err != nil {
			resultCh <- callResult{err: fmt.Errorf("send rpc: %w", err)}
			return
		}
		raw, err := s.dec.Decode()
		if err != nil {
			err = fmt.Errorf("read reply: %w", err)
		}
		resultCh <- callResult{raw: raw, err: err}
	}()

	var r callResult
	select {
	case <-ctx.Done():
		s.teardown()
		return nil, fmt.Errorf("rpc %s: %w", id, ctx.Err())
	case r = <-resultCh:
	}

	if r.err != nil {
		s.teardown()
		return nil, r.err
	}

	reply, err := ParseReply(r.raw)
	if err != nil {
		return nil, err
	}

	if reply.MessageID != "" && reply.MessageID != id {
		s.teardown()
		return nil, fmt.Errorf("message-id mismatch: sent %s, got %s", id, reply.MessageID)
	}

	if errs := reply.Failures(); len(errs) > 0 {
		return reply, &ReplyError{Errors: errs}
	}

	return reply, nil
}

// Close ends the session with <close-session/> when the stream is still
// healthy and releases the underlying stream. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.broken.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if _, cerr := s.Call(ctx, "<close-session/>"); cerr != nil {
				log.Debug().Err(cerr).Str("session_id", s.ID).Msg("close-session failed")
			}
			cancel()
		}
		if s.broken.CompareAndSwap(false, true) {
			err = s.rwc.Close()
		}
	})
	return err
}

// Broken reports whether the session can no longer carry RPCs.
func (s *Session) Broken() bool {
	return s.broken.Load()
}

func (s *Session) teardown() {
	if s.broken.CompareAndSwap(false, true) {
		_ = s.rwc.Close()
	}
}

// Reply is a parsed <rpc-reply>.
type Reply struct {
	MessageID string

	// Data is the inner XML of the rpc-reply element
	Data []byte

	// Errors holds every rpc-error found at any depth, warnings included
	Errors []RPCError

	// OK is set when the reply carries an <ok/> element at any depth
	OK bool
}

// Failures returns the rpc-errors whose severity is not "warning".
func (r *Reply) Failures() []RPCError {
	var out []RPCError
	for _, e := range r.Errors {
		if strings.TrimSpace(e.Severity) != "warning" {
			out = append(out, e)
		}
	}
	return out
}

// Warnings returns the rpc-errors with severity "warning".
func (r *Reply) Warnings() []RPCError {
	var out []RPCError
	for _, e := range r.Errors {
		if strings.TrimSpace(e.Severity) == "warning" {
			out = append(out, e)
		}
	}
	return out
}

// Decode unmarshals the reply payload into v. v's XMLName, if any, must
// match the first child element of the reply.
func (r *Reply) Decode(v any) error {
	return xml.Unmarshal(r.Data, v)
}

// RPCError is one <rpc-error> element.
type RPCError struct {
	Type     string `xml:"error-type"`
	Tag      string `xml:"error-tag"`
	Severity string `xml:"error-severity"`
	Path     string `xml:"error-path"`
	Message  string `xml:"error-message"`
	Info     struct {
		Inner string `xml:",innerxml"`
	} `xml:"error-info"`
}

func (e RPCError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = strings.TrimSpace(e.Tag)
	}
	if path := strings.TrimSpace(e.Path); path != "" {
		return msg + " (at " + path + ")"
	}
	return msg
}

// ReplyError wraps the error-severity rpc-errors of a reply.
type ReplyError struct {
	Errors []RPCError
}

func (e *ReplyError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, re := range e.Errors {
		msgs = append(msgs, re.Error())
	}
	return "rpc-error: " + strings.Join(msgs, "; ")
}

// ParseReply parses a raw <rpc-reply> message.
func ParseReply(raw []byte) (*Reply, error) {
	var envelope struct {
		XMLName   xml.Name `xml:"rpc-reply"`
		MessageID string   `xml:"message-id,attr"`
		Inner     []byte   `xml:",innerxml"`
	}
	if err := xml.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse rpc-reply: %w", err)
	}

	reply := &Reply{
		MessageID: envelope.MessageID,
		Data:      bytes.TrimSpace(envelope.Inner),
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan rpc-reply: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "rpc-error":
			var re RPCError
			if err := dec.DecodeElement(&re, &start); err != nil {
				return nil, fmt.Errorf("parse rpc-error: %w", err)
			}
			reply.Errors = append(reply.Errors, re)
		case "ok":
			reply.OK = true
		}
	}

	return reply, nil
}
