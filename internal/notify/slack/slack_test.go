package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/incident"
)

var t0 = time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)

func escalation(ip string, sev, prev alert.Severity) incident.Escalation {
	return incident.Escalation{
		Incident: incident.Incident{
			SourceIP:        ip,
			HighestSeverity: sev,
			FirstSeen:       t0,
			LastSeen:        t0.Add(time.Minute),
			Open:            2,
			Techniques:      []string{"T1046", "T1499"},
			Alerts: []alert.Alert{
				{AttackName: "Port Scan", Severity: alert.SeverityLow},
				{AttackName: "SYN Flood", Severity: sev},
			},
		},
		Previous: prev,
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "", log.Nop())
	if err := n.Send(context.Background(), escalation("203.0.113.9", alert.SeverityHigh, alert.SeverityLow)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, techniques, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "203.0.113.9") {
		t.Errorf("header text = %q, want to contain source ip", headerText)
	}
	if !strings.Contains(headerText, "escalated") {
		t.Errorf("header text = %q, want escalation title", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for high severity")
	}

	techniques := blocks[4].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(techniques, "T1046, T1499") {
		t.Errorf("techniques text = %q", techniques)
	}

	ctxText := blocks[6].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "Port Scan, SYN Flood") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestHeaderBlock_NewIncident(t *testing.T) {
	t.Parallel()

	h := headerBlock(escalation("1.1.1.1", alert.SeverityMedium, ""))
	text := h["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "New incident") {
		t.Errorf("header = %q, want New incident", text)
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", "", nil)
	if err := n.Send(context.Background(), incident.Escalation{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
	if n.Enabled() {
		t.Error("Enabled() = true without URL")
	}
}

func TestTechniquesBlock_Truncates(t *testing.T) {
	t.Parallel()

	e := escalation("1.1.1.1", alert.SeverityHigh, "")
	e.Incident.Techniques = []string{strings.Repeat("x", 4000)}

	text := techniquesBlock(e)["text"].(map[string]any)["text"].(string)
	if len(text) > maxTechniquesLen+len("*Techniques*\n\n") {
		t.Errorf("techniques text length = %d, expected <= %d", len(text), maxTechniquesLen+len("*Techniques*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated text to end with ...")
	}

	e.Incident.Techniques = nil
	text = techniquesBlock(e)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(text, "No techniques mapped") {
		t.Errorf("empty techniques text = %q", text)
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity alert.Severity
		want     string
	}{
		{alert.SeverityHigh, "\U0001f534"},
		{alert.SeverityMedium, "\U0001f7e1"},
		{alert.SeverityLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestNotify_FiltersAndDelivers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var headers []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Blocks []struct {
				Text struct {
					Text string `json:"text"`
				} `json:"text"`
			} `json:"blocks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		headers = append(headers, msg.Blocks[0].Text.Text)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, alert.SeverityMedium, log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	n.Notify(ctx, []incident.Escalation{
		escalation("10.0.0.1", alert.SeverityLow, ""),
		escalation("10.0.0.2", alert.SeverityMedium, ""),
		escalation("10.0.0.3", alert.SeverityHigh, alert.SeverityMedium),
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		delivered := len(headers)
		mu.Unlock()
		if delivered == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(headers) != 2 {
		t.Fatalf("delivered %d, want 2", len(headers))
	}
	for _, h := range headers {
		if strings.Contains(h, "10.0.0.1") {
			t.Errorf("low severity escalation was delivered: %q", h)
		}
	}
}

func TestNotify_DisabledDoesNotQueue(t *testing.T) {
	t.Parallel()

	n := New("", "", log.Nop())
	n.Notify(context.Background(), []incident.Escalation{escalation("1.1.1.1", alert.SeverityHigh, "")})
	if len(n.queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(n.queue))
	}
}

func TestNotify_DropsWhenFull(t *testing.T) {
	t.Parallel()

	n := New("http://127.0.0.1:1/hook", "", log.Nop())
	batch := make([]incident.Escalation, queueSize+10)
	for i := range batch {
		batch[i] = escalation("1.1.1.1", alert.SeverityHigh, "")
	}
	n.Notify(context.Background(), batch)
	if len(n.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(n.queue), queueSize)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("1.1.1.1", "high", "SYN Flood", "T1499")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "medium", "*bold* _italic_ ~strike~", "T1046")
	f.Add("ip\x00\x01\x02", "sev\nline", "attack\ttab", "T\x00")
	f.Add(strings.Repeat("A", 5000), "low", strings.Repeat("x", 10000), strings.Repeat("T", 3000))

	f.Fuzz(func(t *testing.T, ip, severity, attack, technique string) {
		e := incident.Escalation{
			Incident: incident.Incident{
				SourceIP:        ip,
				HighestSeverity: alert.Severity(severity),
				Alerts:          []alert.Alert{{AttackName: attack}},
				Techniques:      []string{technique},
				FirstSeen:       t0,
				LastSeen:        t0,
			},
		}

		// Must not panic
		msg := buildMessage(e)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, "", log.Nop())
	err := n.Send(context.Background(), escalation("1.1.1.1", alert.SeverityHigh, ""))
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
