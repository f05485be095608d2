package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

const junosHello = `<!-- No zombies were killed during the creation of this user interface -->
<!-- user netops, class j-super-user -->
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:netconf:base:1.0</capability>
    <capability>urn:ietf:params:netconf:capability:candidate:1.0</capability>
    <capability>urn:ietf:params:netconf:capability:confirmed-commit:1.0</capability>
    <capability>http://xml.juniper.net/netconf/junos/1.0</capability>
  </capabilities>
  <session-id>4711</session-id>
</hello>`

// rpcHandler returns the rpc-reply body for a request, or "" to never answer.
type rpcHandler func(rpc string) string

// startFakeServer runs a scripted NETCONF server on one end of a pipe and
// returns the client end.
func startFakeServer(t *testing.T, hello string, handler rpcHandler) net.Conn {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	go func() {
		enc := NewEncoder(server)
		dec := NewDecoder(server)

		if _, err := dec.Decode(); err != nil {
			return
		}
		if err := enc.Encode([]byte(hello)); err != nil {
			return
		}

		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}

			var rpc struct {
				MessageID string `xml:"message-id,attr"`
			}
			_ = xml.Unmarshal(msg, &rpc)

			if strings.Contains(string(msg), "<close-session/>") {
				_ = enc.Encode([]byte(`<rpc-reply message-id="` + rpc.MessageID + `"><ok/></rpc-reply>`))
				server.Close()
				return
			}

			body := handler(string(msg))
			if body == "" {
				continue
			}

			reply := `<rpc-reply xmlns="urn:ietf:params:xml:ns:netconf:base:1.0" ` +
				`xmlns:junos="http://xml.juniper.net/junos/21.4R3/junos" message-id="` +
				rpc.MessageID + `">` + body + `</rpc-reply>`
			if err := enc.Encode([]byte(reply)); err != nil {
				return
			}
		}
	}()

	return client
}

func TestOpenExchangesHello(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(string) string { return "<ok/>" })

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if s.ID != "4711" {
		t.Errorf("expected session-id 4711, got %q", s.ID)
	}
	if len(s.Capabilities) != 4 {
		t.Errorf("expected 4 capabilities, got %d", len(s.Capabilities))
	}
}

func TestOpenRejectsServerWithoutBase(t *testing.T) {
	hello := `<hello><capabilities><capability>urn:example:other</capability></capabilities></hello>`
	conn := startFakeServer(t, hello, func(string) string { return "<ok/>" })

	if _, err := Open(context.Background(), conn); err == nil {
		t.Fatal("expected error for missing base capability")
	}
}

func TestCallReturnsPayload(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(rpc string) string {
		if !strings.Contains(rpc, "<get-software-information/>") {
			return "<unexpected/>"
		}
		return `<software-information><host-name>old-01</host-name><product-model>srx300</product-model>` +
			`<junos-version>21.4R3-S5</junos-version></software-information>`
	})

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	reply, err := s.Call(context.Background(), "<get-software-information/>")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	var info struct {
		XMLName  xml.Name `xml:"software-information"`
		HostName string   `xml:"host-name"`
		Version  string   `xml:"junos-version"`
	}
	if err := reply.Decode(&info); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if info.HostName != "old-01" {
		t.Errorf("expected host-name old-01, got %q", info.HostName)
	}
	if info.Version != "21.4R3-S5" {
		t.Errorf("expected version 21.4R3-S5, got %q", info.Version)
	}
	if reply.MessageID != "1" {
		t.Errorf("expected message-id 1, got %q", reply.MessageID)
	}
}

func TestCallNestedRPCError(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(string) string {
		return `<load-configuration-results>
  <rpc-error>
    <error-type>protocol</error-type>
    <error-tag>operation-failed</error-tag>
    <error-severity>error</error-severity>
    <error-message>syntax error</error-message>
    <error-info><bad-element>hostt-name</bad-element></error-info>
  </rpc-error>
  <ok/>
</load-configuration-results>`
	})

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	reply, err := s.Call(context.Background(), "<load-configuration/>")
	if err == nil {
		t.Fatal("expected rpc-error")
	}

	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected *ReplyError, got %T", err)
	}
	if len(replyErr.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(replyErr.Errors))
	}
	if !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("expected message to mention syntax error, got %q", err.Error())
	}
	if !strings.Contains(replyErr.Errors[0].Info.Inner, "hostt-name") {
		t.Errorf("expected error-info to be kept, got %q", replyErr.Errors[0].Info.Inner)
	}
	if reply == nil {
		t.Error("expected reply alongside the error")
	}
	if s.Broken() {
		t.Error("rpc-error must not break the session")
	}
}

func TestCallWarningIsNotFailure(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(string) string {
		return `<commit-results><rpc-error><error-severity>warning</error-severity>` +
			`<error-message>mgd: statement has no contents; ignored</error-message></rpc-error>` +
			`<routing-engine><name>re0</name><commit-success/></routing-engine></commit-results>`
	})

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	reply, err := s.Call(context.Background(), "<commit-configuration/>")
	if err != nil {
		t.Fatalf("warnings must not fail the call: %v", err)
	}
	if len(reply.Warnings()) != 1 {
		t.Errorf("expected 1 warning, got %d", len(reply.Warnings()))
	}
}

func TestCallCancelledBreaksSession(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(string) string { return "" })

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Call(ctx, "<get-system-storage/>")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !s.Broken() {
		t.Error("expected session to be broken after cancellation")
	}

	if _, err := s.Call(context.Background(), "<get-system-storage/>"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("close after break should be quiet, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := startFakeServer(t, junosHello, func(string) string { return "<ok/>" })

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	s.Close()
	if err := s.Close(); err != nil {
		t.Errorf("second close returned %v", err)
	}
	if !s.Broken() {
		t.Error("expected closed session to report broken")
	}
}

func TestParseReplyOK(t *testing.T) {
	reply, err := ParseReply([]byte(`<rpc-reply message-id="7"><ok/></rpc-reply>`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !reply.OK {
		t.Error("expected OK")
	}
	if reply.MessageID != "7" {
		t.Errorf("expected message-id 7, got %q", reply.MessageID)
	}

	if _, err := ParseReply([]byte(`<hello/>`)); err == nil {
		t.Error("expected error for non rpc-reply message")
	}
}
