package sender

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/newsletter/internal/compose"
	"github.com/shineum/newsletter/internal/config"
	"github.com/shineum/newsletter/internal/email"
	"github.com/shineum/newsletter/internal/recipient"
)

// fakeFiles serves sources from memory.
type fakeFiles map[string]string

func (f fakeFiles) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(data), nil
}

// mockProvider records every message it is asked to send.
type mockProvider struct {
	mu     sync.Mutex
	sent   []*email.Message
	failAt int // 1-based send number that fails; 0 never fails
}

func (m *mockProvider) Send(_ context.Context, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.failAt > 0 && len(m.sent) == m.failAt {
		return errors.New("451 temporary failure")
	}
	return nil
}

func (m *mockProvider) Name() string { return "mock" }

// sleeper records requested delays instead of waiting.
type sleeper struct {
	calls []time.Duration
}

func (s *sleeper) Sleep(d time.Duration) { s.calls = append(s.calls, d) }

func baseConfig() *config.Config {
	return &config.Config{
		Mail: config.MailConfig{
			Subject: "Spring issue",
			From:    "Club <club@example.org>",
			To:      "noreply@example.org",
		},
		Files: config.FilesConfig{
			Recipients: "recipients.txt",
			Blacklist:  "blacklist.txt",
			Newsletter: "newsletter.txt",
			Header:     "header.txt",
			Footer:     "footer.txt",
		},
		Batch: config.BatchConfig{Count: 2, Sleep: "5"},
	}
}

func baseFiles() fakeFiles {
	return fakeFiles{
		"recipients.txt": "a@x.org\nb@x.org\nc@x.org\n",
		"blacklist.txt":  "b@x.org\n",
		"newsletter.txt": "News\n",
		"header.txt":     "Hello\n",
		"footer.txt":     "Bye\n",
	}
}

type harness struct {
	prov  *mockProvider
	sleep *sleeper
	out   *bytes.Buffer
}

func run(t *testing.T, cfg *config.Config, files fakeFiles, prov *mockProvider) (*Summary, *harness, error) {
	t.Helper()
	h := &harness{prov: prov, sleep: &sleeper{}, out: &bytes.Buffer{}}
	r, err := New(Options{
		Config:   cfg,
		Files:    files,
		Provider: prov,
		Out:      h.out,
		Sleep:    h.sleep.Sleep,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := r.Run(context.Background())
	return summary, h, err
}

func TestRun_BulkSingleBatch(t *testing.T) {
	t.Parallel()

	summary, h, err := run(t, baseConfig(), baseFiles(), &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.prov.sent) != 1 {
		t.Fatalf("sends: got %d, want 1", len(h.prov.sent))
	}
	msg := h.prov.sent[0]
	if got := strings.Join(msg.Bcc, ", "); got != "a@x.org, c@x.org" {
		t.Errorf("Bcc: got %q, want %q", got, "a@x.org, c@x.org")
	}
	if len(msg.To) != 1 || msg.To[0] != "noreply@example.org" {
		t.Errorf("To: got %v", msg.To)
	}
	if msg.Body != "Hello\nNews\nBye\n" {
		t.Errorf("Body: got %q", msg.Body)
	}
	if len(h.sleep.calls) != 0 {
		t.Errorf("sleeps: got %d, want 0", len(h.sleep.calls))
	}
	if summary.Batches != 1 || summary.Recipients != 2 || summary.Skipped != 1 {
		t.Errorf("summary: got %+v", summary)
	}
	if !strings.HasSuffix(h.out.String(), "\rDone."+strings.Repeat(" ", len("Mails to send: 2")-len("Done."))+"\n") {
		t.Errorf("progress output: got %q", h.out.String())
	}
}

func TestRun_SleepsBetweenBatchesOnly(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Count = 1

	_, h, err := run(t, cfg, baseFiles(), &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.prov.sent) != 2 {
		t.Fatalf("sends: got %d, want 2", len(h.prov.sent))
	}
	if h.prov.sent[0].Bcc[0] != "a@x.org" || h.prov.sent[1].Bcc[0] != "c@x.org" {
		t.Errorf("batch order: got %v then %v", h.prov.sent[0].Bcc, h.prov.sent[1].Bcc)
	}
	if len(h.sleep.calls) != 1 || h.sleep.calls[0] != 5*time.Second {
		t.Errorf("sleeps: got %v, want [5s]", h.sleep.calls)
	}
	out := h.out.String()
	if !strings.Contains(out, "\rMails to send: 2") || !strings.Contains(out, "\rMails to send: 1") {
		t.Errorf("progress output missing counts: %q", out)
	}
}

func TestRun_BulkContentShared(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Count = 1
	files := baseFiles()
	files["recipients.txt"] = "a@x.org d@x.org e@x.org"

	_, h, err := run(t, cfg, files, &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 3 {
		t.Fatalf("sends: got %d, want 3", len(h.prov.sent))
	}
	for i, msg := range h.prov.sent {
		if msg.Body != h.prov.sent[0].Body {
			t.Errorf("batch %d body differs", i)
		}
	}
}

func TestRun_Preview(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Run.PrintMail = true

	summary, h, err := run(t, cfg, baseFiles(), &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 0 {
		t.Errorf("sends: got %d, want 0", len(h.prov.sent))
	}
	if len(h.sleep.calls) != 0 {
		t.Errorf("sleeps: got %d, want 0", len(h.sleep.calls))
	}
	if !summary.Preview {
		t.Error("summary should report preview")
	}

	out := h.out.String()
	if !strings.Contains(out, "Bcc: [2 recipients]\n") {
		t.Errorf("preview should show placeholder Bcc:\n%s", out)
	}
	if strings.Contains(out, "a@x.org") {
		t.Errorf("preview should not list recipients:\n%s", out)
	}
	if !strings.Contains(out, "Subject: Spring issue\n") || !strings.HasSuffix(out, "\n\nHello\nNews\nBye\n") {
		t.Errorf("preview output:\n%s", out)
	}
	if strings.Contains(out, "Mails to send") {
		t.Errorf("preview should not draw progress:\n%s", out)
	}
}

func TestRun_PreviewWithoutProvider(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Run.PrintMail = true
	var out bytes.Buffer
	r, err := New(Options{Config: cfg, Files: baseFiles(), Out: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Len() == 0 {
		t.Error("expected preview output")
	}
}

func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Count = 1
	cfg.Run.DryRun = true

	summary, h, err := run(t, cfg, baseFiles(), &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 0 {
		t.Errorf("sends: got %d, want 0", len(h.prov.sent))
	}
	if len(h.sleep.calls) != 1 {
		t.Errorf("sleeps: got %d, want 1", len(h.sleep.calls))
	}
	if summary.Batches != 2 || !summary.DryRun {
		t.Errorf("summary: got %+v", summary)
	}
	if !strings.Contains(h.out.String(), "Done.") {
		t.Errorf("progress output: %q", h.out.String())
	}
}

func TestRun_Personalized(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Personalized = true
	cfg.Batch.Count = 50
	cfg.Files.NoHeader = true
	cfg.Files.NoFooter = true

	files := fakeFiles{
		"recipients.txt": "a@x.org,Dr.,Ada Lovelace\nb@x.org,Mr.,Bob\n\"c@x.org\",Ms.,\"Carla, C.\"\n",
		"blacklist.txt":  "B@X.org\n",
		"newsletter.txt": "Dear {{.Title}} {{.Name}} ({{.Index}})\n",
	}

	_, h, err := run(t, cfg, files, &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 2 {
		t.Fatalf("sends: got %d, want 2", len(h.prov.sent))
	}

	first, second := h.prov.sent[0], h.prov.sent[1]
	if len(first.Bcc) != 0 || len(second.Bcc) != 0 {
		t.Error("personalized messages must not use Bcc")
	}
	if first.To[0] != `"Ada Lovelace" <a@x.org>` {
		t.Errorf("To: got %q", first.To[0])
	}
	if first.Body != "Dear Dr. Ada Lovelace (0)\n" {
		t.Errorf("first body: got %q", first.Body)
	}
	if second.Body != "Dear Ms. Carla, C. (1)\n" {
		t.Errorf("second body: got %q", second.Body)
	}
	if len(h.sleep.calls) != 1 {
		t.Errorf("sleeps: got %d, want 1", len(h.sleep.calls))
	}
}

func TestRun_RenderErrorAborts(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Personalized = true
	cfg.Files.NoHeader = true
	cfg.Files.NoFooter = true

	files := fakeFiles{
		"recipients.txt": "a@x.org,Dr.,Ada,Main St\nb@x.org,Mr.,Bob\n",
		"blacklist.txt":  "",
		"newsletter.txt": "Street: {{.Field 3}}\n",
	}

	_, h, err := run(t, cfg, files, &mockProvider{})
	var renderErr *compose.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if renderErr.Index != 1 || renderErr.Recipient != "b@x.org" {
		t.Errorf("RenderError: got index %d recipient %q", renderErr.Index, renderErr.Recipient)
	}
	if len(h.prov.sent) != 1 {
		t.Errorf("sends before abort: got %d, want 1", len(h.prov.sent))
	}
	if !strings.HasSuffix(h.out.String(), "\n") {
		t.Errorf("progress line should be terminated: %q", h.out.String())
	}
}

func TestRun_TransportFailureAborts(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Count = 1
	files := baseFiles()
	files["recipients.txt"] = "a@x.org c@x.org d@x.org"

	_, h, err := run(t, cfg, files, &mockProvider{failAt: 2})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if sendErr.Batch != 1 || sendErr.Offset != 1 || sendErr.Provider != "mock" {
		t.Errorf("SendError: got %+v", sendErr)
	}
	if len(h.prov.sent) != 2 {
		t.Errorf("send attempts: got %d, want 2", len(h.prov.sent))
	}
	if len(h.sleep.calls) != 1 {
		t.Errorf("sleeps: got %d, want 1", len(h.sleep.calls))
	}
}

func TestRun_MissingInputAbortsBeforeSending(t *testing.T) {
	t.Parallel()

	for _, missing := range []string{"newsletter.txt", "header.txt", "footer.txt", "recipients.txt", "blacklist.txt"} {
		missing := missing
		t.Run(missing, func(t *testing.T) {
			t.Parallel()

			files := baseFiles()
			delete(files, missing)

			_, h, err := run(t, baseConfig(), files, &mockProvider{})
			var fileErr *recipient.FileError
			if !errors.As(err, &fileErr) {
				t.Fatalf("expected FileError, got %v", err)
			}
			if fileErr.Path != missing {
				t.Errorf("FileError.Path: got %q, want %q", fileErr.Path, missing)
			}
			if len(h.prov.sent) != 0 || h.out.Len() != 0 {
				t.Error("nothing may happen before all inputs are loaded")
			}
		})
	}
}

func TestRun_InvalidAddressAbortsBeforeSending(t *testing.T) {
	t.Parallel()

	modes := map[string]func(c *config.Config){
		"send":    func(c *config.Config) {},
		"dry-run": func(c *config.Config) { c.Run.DryRun = true },
		"preview": func(c *config.Config) { c.Run.PrintMail = true },
	}

	for name, mode := range modes {
		mode := mode
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := baseConfig()
			cfg.Batch.Count = 1
			mode(cfg)
			files := baseFiles()
			files["recipients.txt"] = "a@x.org c@x.org\nbroken@@x.org d@x.org\n"

			_, h, err := run(t, cfg, files, &mockProvider{})
			var rowErr *recipient.RowError
			if !errors.As(err, &rowErr) {
				t.Fatalf("expected RowError, got %v", err)
			}
			if rowErr.Path != "recipients.txt" || rowErr.Line != 2 {
				t.Errorf("RowError: got %s:%d, want recipients.txt:2", rowErr.Path, rowErr.Line)
			}
			if !errors.Is(err, recipient.ErrInvalidAddress) {
				t.Errorf("expected ErrInvalidAddress, got %v", err)
			}
			if len(h.prov.sent) != 0 || len(h.sleep.calls) != 0 || h.out.Len() != 0 {
				t.Errorf("nothing may happen before addresses are checked: sends=%d sleeps=%d out=%q",
					len(h.prov.sent), len(h.sleep.calls), h.out.String())
			}
		})
	}
}

func TestRun_BlacklistedInvalidAddressIgnored(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files["recipients.txt"] = "a@x.org broken@@x.org c@x.org"
	files["blacklist.txt"] = "broken@@x.org"

	_, h, err := run(t, baseConfig(), files, &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 1 || strings.Join(h.prov.sent[0].Bcc, ", ") != "a@x.org, c@x.org" {
		t.Errorf("sent: got %d messages", len(h.prov.sent))
	}
}

// failingWriter rejects every write.
type failingWriter struct{}

var errWrite = errors.New("stdout closed")

func (failingWriter) Write([]byte) (int, error) { return 0, errWrite }

func TestRun_AbortReportsProgressWriteError(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Batch.Personalized = true
	cfg.Files.NoHeader = true
	cfg.Files.NoFooter = true
	files := fakeFiles{
		"recipients.txt": "a@x.org,Dr.\n",
		"blacklist.txt":  "",
		"newsletter.txt": "Street: {{.Field 3}}\n",
	}

	r, err := New(Options{Config: cfg, Files: files, Provider: &mockProvider{}, Out: failingWriter{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = r.Run(context.Background())

	var renderErr *compose.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if !errors.Is(err, errWrite) {
		t.Errorf("expected progress write error to be reported, got %v", err)
	}
}

func TestRun_SuppressedSectionsNotRead(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Files.NoHeader = true
	cfg.Files.NoFooter = true
	files := baseFiles()
	delete(files, "header.txt")
	delete(files, "footer.txt")

	_, h, err := run(t, cfg, files, &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.prov.sent[0].Body != "News\n" {
		t.Errorf("Body: got %q", h.prov.sent[0].Body)
	}
}

func TestRun_EveryoneBlacklisted(t *testing.T) {
	t.Parallel()

	files := baseFiles()
	files["blacklist.txt"] = "a@x.org b@x.org c@x.org"

	summary, h, err := run(t, baseConfig(), files, &mockProvider{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.sent) != 0 || summary.Batches != 0 {
		t.Errorf("expected no sends, got %d", len(h.prov.sent))
	}
	if h.out.String() != "\rDone.\n" {
		t.Errorf("progress output: got %q", h.out.String())
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Config: baseConfig(), Files: baseFiles()}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := New(Options{Files: baseFiles(), Provider: &mockProvider{}}); err == nil {
		t.Error("expected error without config")
	}
}

func TestSendError_Message(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	bulk := &SendError{Batch: 2, Offset: 200, Provider: "smtp", Err: base}
	if got := bulk.Error(); got != "send batch 2 (from recipient #200) via smtp: boom" {
		t.Errorf("bulk: got %q", got)
	}
	personal := &SendError{Batch: 3, Recipient: "a@x.org", Provider: "ses", Err: base}
	if got := personal.Error(); got != "send batch 3 to a@x.org via ses: boom" {
		t.Errorf("personal: got %q", got)
	}
	if !errors.Is(personal, base) {
		t.Error("SendError should unwrap to its cause")
	}
}
