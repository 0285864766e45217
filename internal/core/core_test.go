// ABOUTME: End-to-end tests for the core runtime over real TLS and HTTP
// ABOUTME: Drives start-up, user replies, partial failure, and shutdown artifacts

package core

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/yoda/internal/comms"
	"github.com/2389/yoda/internal/config"
	"github.com/2389/yoda/internal/events"
	"github.com/2389/yoda/internal/journal"
	"github.com/2389/yoda/internal/responder"
)

func writeTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func llmServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"test"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Comms.Host = "127.0.0.1"
	cfg.Comms.Port = 0
	cfg.Comms.CertFile, cfg.Comms.KeyFile = writeTestCert(t, dir)
	cfg.LLM.BaseURL = llmServer(t).URL
	cfg.LLM.PollInterval = 10 * time.Millisecond
	cfg.LLM.SetupTimeout = 2 * time.Second
	cfg.Bus.DumpPath = filepath.Join(dir, "temp", "history.log")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

type runningCore struct {
	*Core
	cancel context.CancelFunc
	done   chan error
}

func startCore(t *testing.T, cfg *config.Config, deps Deps) *runningCore {
	t.Helper()

	c, err := New(cfg, deps, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	rc := &runningCore{Core: c, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})

	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("core never became ready")
	}
	return rc
}

func (rc *runningCore) stop(t *testing.T) error {
	t.Helper()
	rc.cancel()
	select {
	case err := <-rc.done:
		rc.done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("core did not shut down")
		return nil
	}
}

func (rc *runningCore) systemEvents(msg string) []events.Event {
	var out []events.Event
	for _, ev := range rc.Bus().HistoryByKind(events.KindSystem) {
		if ev.Message() == msg {
			out = append(out, ev)
		}
	}
	return out
}

func (rc *runningCore) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func dial(t *testing.T, rc *runningCore, cfg *config.Config) *comms.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	client, err := comms.Dial(ctx, rc.CommsAddr().String(), comms.ClientOptions{CAFile: cfg.Comms.CertFile})
	require.NoError(t, err)
	require.NoError(t, client.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCore_StartupAndGreeting(t *testing.T) {
	cfg := testConfig(t)
	rc := startCore(t, cfg, Deps{})

	assert.Equal(t, map[string]bool{ServiceComms: true, ServiceLLM: true}, rc.Status())

	starting := rc.systemEvents(events.CoreStarting)
	require.Len(t, starting, 1)
	assert.Equal(t, events.ServiceStatus{ServiceComms: false, ServiceLLM: false}, starting[0].Payload())

	readyEvs := rc.systemEvents(events.CoreReady)
	require.Len(t, readyEvs, 1)
	assert.Equal(t, events.ServiceStatus{ServiceComms: true, ServiceLLM: true}, readyEvs[0].Payload())

	rc.waitFor(t, func() bool {
		for _, ev := range rc.Bus().HistoryByKind(events.KindAgentMessage) {
			if ev.Message() == events.GreetingAllOnline {
				return true
			}
		}
		return false
	})
}

func TestCore_RepliesToUser(t *testing.T) {
	cfg := testConfig(t)
	rc := startCore(t, cfg, Deps{})
	client := dial(t, rc, cfg)

	require.NoError(t, client.Send("hello yoda"))

	reply, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, "hello yoda", reply)

	rc.waitFor(t, func() bool {
		for _, ev := range rc.Bus().HistoryByKind(events.KindAgentMessage) {
			if _, ok := ev.Payload().(events.ConnectionID); ok && ev.Message() == "hello yoda" {
				return true
			}
		}
		return false
	})

	require.NoError(t, client.Send(responder.HistoryCommand))
	recap, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, "You said 1 thing(s): hello yoda", recap)
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, responder.ChatMessage) (string, error) {
	return "", errors.New("model exploded")
}

func TestCore_ResponderFailureIsPublished(t *testing.T) {
	cfg := testConfig(t)
	rc := startCore(t, cfg, Deps{Responder: failingResponder{}})
	client := dial(t, rc, cfg)

	require.NoError(t, client.Send("anyone there?"))

	rc.waitFor(t, func() bool { return len(rc.systemEvents(events.ReplyFailed)) == 1 })

	failure, ok := rc.systemEvents(events.ReplyFailed)[0].Payload().(events.Failure)
	require.True(t, ok)
	assert.Contains(t, failure.Error(), "model exploded")
	for _, ev := range rc.Bus().HistoryByKind(events.KindAgentMessage) {
		_, isReply := ev.Payload().(events.ConnectionID)
		assert.False(t, isReply, "no reply should be published")
	}
}

func TestCore_PartialFailureKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.Comms.CertFile = filepath.Join(t.TempDir(), "missing.crt")

	rc := startCore(t, cfg, Deps{})

	assert.Equal(t, map[string]bool{ServiceComms: false, ServiceLLM: true}, rc.Status())
	assert.Len(t, rc.systemEvents(events.CommsOffline), 1)
	assert.Nil(t, rc.CommsAddr())

	rc.waitFor(t, func() bool {
		for _, ev := range rc.Bus().HistoryByKind(events.KindAgentMessage) {
			if ev.Message() == events.GreetingSomeOffline {
				return true
			}
		}
		return false
	})

	require.NoError(t, rc.stop(t))
}

func TestCore_LLMDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Enabled = false

	rc := startCore(t, cfg, Deps{})
	assert.Equal(t, map[string]bool{ServiceComms: true}, rc.Status())
	assert.Empty(t, rc.systemEvents(events.LLMStarting))
}

func TestCore_ShutdownWritesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	rc := startCore(t, cfg, Deps{})
	client := dial(t, rc, cfg)

	require.NoError(t, client.Send("before shutdown"))
	_, err := client.Receive()
	require.NoError(t, err)

	require.NoError(t, rc.stop(t))

	assert.Len(t, rc.systemEvents(events.UserShutdown), 1)
	rc.waitFor(t, func() bool { return len(rc.systemEvents(events.UserDisconnected)) == 1 })

	dump, err := os.ReadFile(cfg.Bus.DumpPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(dump), "\n"), "\n")
	assert.Equal(t, rc.Bus().Len(), len(lines))
	assert.Contains(t, string(dump), "kind=('user-message') message=(\"before shutdown\")")

	j, err := journal.Open(cfg.Journal.Path, nil)
	require.NoError(t, err)
	defer j.Close()

	users, err := j.ListByKind(t.Context(), events.KindUserMessage, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "before shutdown", users[0].Message)
}

func TestNew_BadJournalPath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	cfg.Journal.Path = filepath.Join(blocker, "journal.db")

	_, err := New(cfg, Deps{}, nil)
	assert.Error(t, err)
}
