package mailer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/threadmail/internal/compose"
	"github.com/shineum/threadmail/internal/dkim"
	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/htmltext"
	"github.com/shineum/threadmail/internal/messageid"
	"github.com/shineum/threadmail/internal/metrics"
	"github.com/shineum/threadmail/internal/provider"
	"github.com/shineum/threadmail/internal/recipient"
	"github.com/shineum/threadmail/internal/store"
	"github.com/shineum/threadmail/internal/transport"
)

type mockProvider struct {
	name string
	err  error
	sent []*email.Message
}

func (p *mockProvider) Send(_ context.Context, msg *email.Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *mockProvider) Name() string { return p.name }

type mockAccount struct {
	id       string
	email    string
	name     string
	inactive bool
	spoof    bool
	conn     *mockProvider
}

func newAccount(id string) *mockAccount {
	return &mockAccount{
		id:    id,
		email: id + "@example.com",
		name:  strings.ToUpper(id),
		conn:  &mockProvider{name: "mock"},
	}
}

func (a *mockAccount) ID() string          { return a.id }
func (a *mockAccount) Email() string       { return a.email }
func (a *mockAccount) Name() string        { return a.name }
func (a *mockAccount) Host() string        { return "smtp." + a.id + ".example.com" }
func (a *mockAccount) Port() int           { return 587 }
func (a *mockAccount) Active() bool        { return !a.inactive }
func (a *mockAccount) AllowSpoofing() bool { return a.spoof }

func (a *mockAccount) Connection(context.Context) (provider.Provider, error) {
	return a.conn, nil
}

type mockRecorder struct {
	emails []store.ThreadEmail
	err    error
}

func (r *mockRecorder) RecordEmail(_ context.Context, e store.ThreadEmail) error {
	r.emails = append(r.emails, e)
	return r.err
}

func testConfig(t *testing.T) (Config, *messageid.Codec) {
	t.Helper()
	codec := messageid.New("test-salt")
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return Config{
		Codec: codec,
		Composer: compose.New(compose.Config{
			Formatter:        htmltext.Formatter{},
			Logger:           logger,
			RichText:         true,
			StripQuotedReply: true,
			ReplySeparator:   "-- reply above --",
			Now:              func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
		}),
		Logger: logger,
	}, codec
}

func ids(accounts []transport.Account) []string {
	var out []string
	for _, a := range accounts {
		out = append(out, a.ID())
	}
	return out
}

func TestNew_AccountResolution(t *testing.T) {
	t.Parallel()

	own := newAccount("own")
	mta := newAccount("mta")
	spoofMTA := newAccount("relay")
	spoofMTA.spoof = true
	inactiveMTA := newAccount("down")
	inactiveMTA.inactive = true
	fallback := newAccount("fallback")

	tests := []struct {
		name         string
		sender       *Identity
		mta          Account
		defaultEmail *Identity
		wantAccounts []string
		wantAddress  string
	}{
		{
			name:         "sender account then mta",
			sender:       &Identity{Address: "desk@example.com", Name: "Desk", Account: own},
			mta:          mta,
			wantAccounts: []string{"own", "mta"},
			wantAddress:  "desk@example.com",
		},
		{
			name:         "spoofing mta replaces sender",
			sender:       &Identity{Address: "desk@example.com", Account: own},
			mta:          spoofMTA,
			wantAccounts: []string{"own", "relay"},
			wantAddress:  "relay@example.com",
		},
		{
			name:         "mta becomes sender when none selected",
			mta:          mta,
			defaultEmail: &Identity{Address: "default@example.com", Account: fallback},
			wantAccounts: []string{"mta"},
			wantAddress:  "mta@example.com",
		},
		{
			name:         "default email when mta inactive",
			mta:          inactiveMTA,
			defaultEmail: &Identity{Address: "default@example.com", Account: fallback},
			wantAccounts: []string{"fallback"},
			wantAddress:  "default@example.com",
		},
		{
			name:         "duplicate account listed once",
			sender:       &Identity{Address: "mta@example.com", Account: mta},
			mta:          mta,
			wantAccounts: []string{"mta"},
			wantAddress:  "mta@example.com",
		},
		{
			name:         "inactive sender account skipped",
			sender:       &Identity{Address: "desk@example.com", Account: inactiveMTA},
			wantAccounts: nil,
			wantAddress:  "desk@example.com",
		},
		{
			name: "nothing configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, _ := testConfig(t)
			cfg.DefaultMTA = tt.mta
			cfg.DefaultEmail = tt.defaultEmail

			m := New(cfg, tt.sender, email.Options{})
			got := ids(m.Accounts())
			if strings.Join(got, ",") != strings.Join(tt.wantAccounts, ",") {
				t.Errorf("accounts: got %v, want %v", got, tt.wantAccounts)
			}
			addr := ""
			if m.Identity() != nil {
				addr = m.Identity().Address
			}
			if addr != tt.wantAddress {
				t.Errorf("identity: got %q, want %q", addr, tt.wantAddress)
			}
		})
	}
}

func TestFromAddress(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	m := New(cfg, &Identity{Address: "desk@example.com", Name: "Help Desk"}, email.Options{})

	if got := m.FromAddress(email.Options{}).String(); got != `"Help Desk" <desk@example.com>` {
		t.Errorf("identity From: got %s", got)
	}
	if got := m.FromAddress(email.Options{FromName: "Agent Smith"}).String(); got != `"Agent Smith" <desk@example.com>` {
		t.Errorf("from_name From: got %s", got)
	}

	m.SetFromAddress(`"Alerts" <alerts@example.com>`)
	if got := m.FromAddress(email.Options{FromName: "ignored"}).String(); got != `"Alerts" <alerts@example.com>` {
		t.Errorf("pinned From: got %s", got)
	}

	m.SetFromAddress("<bare@example.com>")
	if got := m.FromAddress(email.Options{}).Address; got != "bare@example.com" {
		t.Errorf("pinned bare From: got %s", got)
	}

	none := New(cfg, nil, email.Options{})
	if none.FromAddress(email.Options{}) != nil {
		t.Error("expected no From without an identity")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	cfg, codec := testConfig(t)
	cfg.Metrics = metrics.New()
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Name: "Desk", Account: acct}, email.Options{})

	owner := recipient.Owner{UserID: 42, Name: "Jane", Address: "jane@example.org"}
	opts := email.Options{Thread: &email.ThreadRef{ThreadID: 7, EntryID: 99}}
	mid, err := m.Send(context.Background(), owner, "Ticket\r\nBcc: evil@example.com", email.Body{Content: "<p>Hello</p>"}, opts)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(acct.conn.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(acct.conn.sent))
	}
	msg := acct.conn.sent[0]

	if msg.MessageID() != mid {
		t.Errorf("Message-ID: got %q, want %q", msg.MessageID(), mid)
	}
	if !strings.HasSuffix(mid, "-desk@example.com") {
		t.Errorf("token should end with the sender address: %q", mid)
	}
	if got := msg.Header.Get("Subject"); got != "TicketBcc: evil@example.com" {
		t.Errorf("Subject: got %q", got)
	}
	if got := msg.Header.Get("Return-Path"); got != "<desk@example.com>" {
		t.Errorf("Return-Path: got %q", got)
	}
	if !strings.Contains(msg.TextBody, "Ref-Mid: "+mid) {
		t.Errorf("text body missing Ref-Mid footer: %q", msg.TextBody)
	}
	if !strings.Contains(msg.HTMLBody, "-- reply above --") {
		t.Errorf("html body missing reply tag: %q", msg.HTMLBody)
	}

	decoded, err := codec.Decode("<" + mid + ">")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.Loopback || !decoded.Verified {
		t.Errorf("decoded token should be verified loopback: %+v", decoded)
	}
	if decoded.UserClass != 'U' || decoded.UserID != 42 || decoded.ThreadID != 7 || decoded.EntryID != 99 {
		t.Errorf("decoded tag mismatch: %+v", decoded)
	}

	assertMessages(t, cfg.Metrics, metrics.ResultSuccess)
}

func assertMessages(t *testing.T, m *metrics.Metrics, result string) {
	t.Helper()
	expected := `
# HELP threadmail_messages_total Messages handed to the mailer, by final result.
# TYPE threadmail_messages_total counter
threadmail_messages_total{result="` + result + `"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "threadmail_messages_total"); err != nil {
		t.Error(err)
	}
}

func TestSend_Failover(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	var logs bytes.Buffer
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	first := newAccount("first")
	first.conn.err = errors.New("connection refused")
	second := newAccount("second")
	localCalls := 0
	cfg.DefaultMTA = second
	cfg.Local = func(string) provider.Provider {
		localCalls++
		return &mockProvider{name: "sendmail"}
	}

	m := New(cfg, &Identity{Address: "desk@example.com", Account: first}, email.Options{})
	mid, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "hi"}, email.Options{Text: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mid == "" {
		t.Error("expected a message id")
	}
	if len(second.conn.sent) != 1 {
		t.Errorf("second account deliveries: got %d, want 1", len(second.conn.sent))
	}
	if localCalls != 0 {
		t.Errorf("local fallback invoked %d times", localCalls)
	}
	for _, want := range []string{`"msg":"message sent"`, `"account":"second"`, `"attempts":2`} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("log output missing %s:\n%s", want, logs.String())
		}
	}
}

func TestSend_TotalFailure(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	cfg.Metrics = metrics.New()
	var envelope string
	cfg.Local = func(sender string) provider.Provider {
		envelope = sender
		return &mockProvider{name: "sendmail", err: errors.New("sendmail: exit status 75")}
	}

	m := New(cfg, &Identity{Address: "desk@example.com"}, email.Options{})
	mid, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "hi"}, email.Options{})
	if !errors.Is(err, transport.ErrDeliveryFailed) {
		t.Fatalf("error: got %v, want ErrDeliveryFailed", err)
	}
	if mid != "" {
		t.Errorf("message id on failure: got %q", mid)
	}
	if envelope != "desk@example.com" {
		t.Errorf("local envelope sender: got %q", envelope)
	}
	assertMessages(t, cfg.Metrics, metrics.ResultFailure)
}

func TestSend_LocalSenderOverride(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	local := &mockProvider{name: "sendmail"}
	var envelope string
	cfg.Local = func(sender string) provider.Provider {
		envelope = sender
		return local
	}

	m := New(cfg, &Identity{Address: "desk@example.com"}, email.Options{})
	_, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "hi"},
		email.Options{FromAddress: "bounces@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if envelope != "bounces@example.com" {
		t.Errorf("local envelope sender: got %q", envelope)
	}
	if len(local.sent) != 1 {
		t.Errorf("local deliveries: got %d", len(local.sent))
	}
}

func TestSend_OptionsMerge(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	acct := newAccount("own")
	defaults := email.Options{
		Bulk:     true,
		FromName: "Default Name",
		ReplyTag: email.ReplyTag("default tag"),
		Thread:   &email.ThreadRef{ThreadID: 3},
	}
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, defaults)

	callTag := email.NoReplyTag()
	_, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "<p>hi</p>"},
		email.Options{FromName: "Call Site", ReplyTag: callTag})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := acct.conn.sent[0]

	if got := msg.Header.Get("Precedence"); got != "bulk" {
		t.Errorf("Precedence: got %q, want default bulk", got)
	}
	if got := msg.From.Name; got != "Call Site" {
		t.Errorf("From name: got %q, want call-site value", got)
	}
	if strings.Contains(msg.HTMLBody, "default tag") {
		t.Errorf("disabled reply tag replaced by default: %q", msg.HTMLBody)
	}
	if *callTag != "" {
		t.Errorf("call-site reply tag mutated to %q", *callTag)
	}
	if !strings.Contains(msg.HTMLBody, `class="mid-`) {
		t.Errorf("default thread should embed the token: %q", msg.HTMLBody)
	}
}

func TestSend_Attachments(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, email.Options{})

	logo := &email.File{ID: 1, Key: "0123456789abcdef0123456789abcdef", Name: "logo.png", ContentType: "image/png", Data: []byte("png")}
	m.AddAttachments(
		&email.Blob{Filename: "notes.txt", Data: []byte("notes")},
		nil,
		logo,
	)
	if len(m.Attachments()) != 2 {
		t.Fatalf("queued attachments: got %d, want 2", len(m.Attachments()))
	}

	_, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi",
		email.Body{Content: `<img src="cid:0123456789abcdef0123456789abcdef">`}, email.Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := acct.conn.sent[0]

	if len(msg.Inline) != 1 || msg.Inline[0].Filename != "logo.png" {
		t.Errorf("inline images: got %+v", msg.Inline)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "notes.txt" {
		t.Errorf("attachments: got %+v", msg.Attachments)
	}
	if len(m.Attachments()) != 2 {
		t.Errorf("send must not consume queued attachments, got %d", len(m.Attachments()))
	}
}

func TestSend_RecordsThreadEmail(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	rec := &mockRecorder{}
	cfg.Recorder = rec
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, email.Options{})
	ctx := context.Background()

	collab := recipient.Collaborator{UserID: 8, Address: "c@example.org"}
	mid, err := m.Send(ctx, collab, "Re: Ticket", email.Body{Content: "hi"}, email.Options{
		Thread:     &email.ThreadRef{ThreadID: 5, EntryID: 12},
		InReplyTo:  "<root@example.com>",
		References: []string{"<root@example.com>"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := m.Send(ctx, collab, "No thread", email.Body{Content: "hi"}, email.Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(rec.emails) != 1 {
		t.Fatalf("recorded emails: got %d, want 1", len(rec.emails))
	}
	want := store.ThreadEmail{
		ThreadID:   5,
		EntryID:    12,
		UserID:     8,
		MessageID:  "<" + mid + ">",
		References: "<root@example.com> <" + mid + ">",
	}
	if rec.emails[0] != want {
		t.Errorf("recorded: got %+v, want %+v", rec.emails[0], want)
	}
}

func TestSend_StaffEmailNotThreadedToUser(t *testing.T) {
	t.Parallel()

	st, err := store.Open(store.MemoryPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, _ := testConfig(t)
	cfg.Composer = compose.New(compose.Config{
		Formatter: htmltext.Formatter{},
		Threads:   st,
		Logger:    cfg.Logger,
	})
	cfg.Recorder = st
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, email.Options{})
	ctx := context.Background()
	thread := &email.ThreadRef{ThreadID: 9}

	if _, err := m.Send(ctx, recipient.Staff{ID: 5, Address: "agent@example.com"}, "Assigned", email.Body{Content: "hi"},
		email.Options{Thread: thread}); err != nil {
		t.Fatalf("Send to staff: %v", err)
	}
	prior, err := st.LastEmail(ctx, 9, 0)
	if err != nil {
		t.Fatalf("LastEmail: %v", err)
	}
	if prior != nil {
		t.Fatalf("staff email was logged on the thread: %+v", prior)
	}

	if _, err := m.Send(ctx, recipient.Owner{UserID: 5, Address: "owner@example.org"}, "Update", email.Body{Content: "hi"},
		email.Options{Thread: thread}); err != nil {
		t.Fatalf("Send to owner: %v", err)
	}
	sent := acct.conn.sent
	if len(sent) != 2 {
		t.Fatalf("delivered messages: got %d, want 2", len(sent))
	}
	if got := sent[1].Header.Get("In-Reply-To"); got != "" {
		t.Errorf("owner email In-Reply-To: got %q, want none", got)
	}
}

func TestSend_RecorderErrorIgnored(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	cfg.Recorder = &mockRecorder{err: errors.New("database is locked")}
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, email.Options{})

	_, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "hi"},
		email.Options{Thread: &email.ThreadRef{ThreadID: 1}})
	if err != nil {
		t.Fatalf("recorder failure must not fail the send: %v", err)
	}
}

func TestSend_DKIM(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	signer, err := dkim.New(dkim.Config{
		Selector:   "mail",
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	if err != nil {
		t.Fatalf("dkim.New: %v", err)
	}

	cfg, _ := testConfig(t)
	cfg.Signer = signer
	acct := newAccount("own")
	m := New(cfg, &Identity{Address: "desk@example.com", Account: acct}, email.Options{})

	if _, err := m.Send(context.Background(), recipient.Literal("a@example.org"), "Hi", email.Body{Content: "hi"}, email.Options{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	raw := string(acct.conn.sent[0].Raw)
	if !strings.HasPrefix(raw, "DKIM-Signature:") || !strings.Contains(raw, "d=example.com") {
		t.Errorf("message not signed: %.200q", raw)
	}
}

func TestNotify(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	mta := newAccount("mta")
	cfg.DefaultMTA = mta

	mid, err := Notify(context.Background(), cfg, recipient.Literal("admin@example.org"), "Disk full", "Disk is 95% full",
		"alerts@example.com", email.Options{Thread: &email.ThreadRef{ThreadID: 9}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	msg := mta.conn.sent[0]

	if got := msg.From.Address; got != "alerts@example.com" {
		t.Errorf("From: got %q", got)
	}
	if got := msg.Header.Get("Return-Path"); got != "<>" {
		t.Errorf("Return-Path: got %q", got)
	}
	if got := msg.Header.Get("Auto-Submitted"); got != "auto-generated" {
		t.Errorf("Auto-Submitted: got %q", got)
	}
	if strings.Contains(msg.HTMLBody, `class="mid-`) {
		t.Errorf("notice should carry no thread token: %q", msg.HTMLBody)
	}
	if mid == "" {
		t.Error("expected message id")
	}

	if _, err := Notify(context.Background(), cfg, recipient.Literal("admin@example.org"), "x", "y", "", email.Options{}); err == nil {
		t.Error("expected error without a from address")
	}
}
