package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/spool"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

const baseConfig = `
scheduler:
  concurrency_limit: 2
logging:
  level: error
storage:
  driver: file
  path: %[1]s/history.jsonl
spool:
  enabled: true
  dir: %[1]s/spool
triggers:
  - name: tick
    schedule: "@every 1h"
    job:
      command: ["sh", "-c", "echo tick"]
`

const extraTrigger = `  - name: tock
    schedule: "*/5 * * * *"
    timezone: UTC
    job:
      sleep: 1ms
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "jobsched.yaml")
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, p); err != nil {
		t.Fatal(err)
	}
	return p
}

const adminSection = `admin:
  enabled: true
  addr: 127.0.0.1:0
  token: t0ken
`

func startApp(t *testing.T, extra ...string) (*App, string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(baseConfig, dir) + strings.Join(extra, "")
	p := writeConfig(t, dir, body)
	a, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, dir, body
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRejectsInvalidTriggers(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
triggers:
  - name: bad
    schedule: "61 * * * *"
    job:
      sleep: 1s
`)
	if _, err := New(p); err == nil || !strings.Contains(err.Error(), `trigger "bad"`) {
		t.Fatalf("New err = %v", err)
	}
}

func TestRunsTriggersAndSpoolAndRecordsHistory(t *testing.T) {
	a, dir, _ := startApp(t)

	fut, err := a.Triggers().Fire("tick")
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	if err != nil || strings.TrimSpace(res.Output) != "tick" {
		t.Fatalf("tick = (%+v, %v)", res, err)
	}

	jobFile := filepath.Join(dir, "spool", "hello.yaml")
	tmp := filepath.Join(dir, "spool", "hello.tmp")
	eventually(t, "spool dir", func() bool {
		_, err := os.Stat(filepath.Join(dir, "spool"))
		return err == nil
	})
	if err := os.WriteFile(tmp, []byte("command: [\"sh\", \"-c\", \"echo hello\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, jobFile); err != nil {
		t.Fatal(err)
	}
	eventually(t, "spool result", func() bool {
		_, err := os.Stat(spool.ResultPath(jobFile))
		return err == nil
	})

	stopApp(t, a)

	snap := a.Scheduler().Snapshot()
	if snap.Completed != 2 || snap.State.String() != "draining" {
		t.Fatalf("snapshot = %+v", snap)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "history.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, r := range runs {
		names[r.Name] = r.OK
	}
	if len(runs) != 2 || !names["tick"] || !names["hello"] {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestHotReloadAppliesTriggers(t *testing.T) {
	a, dir, body := startApp(t)
	defer stopApp(t, a)

	updated := body + extraTrigger
	has := func() bool {
		for _, in := range a.Triggers().Snapshot() {
			if in.Name == "tock" {
				return true
			}
		}
		return false
	}
	// The watcher starts asynchronously; keep rewriting until it notices.
	deadline := time.Now().Add(5 * time.Second)
	for !has() {
		if time.Now().After(deadline) {
			t.Fatal("reloaded trigger never applied")
		}
		writeConfig(t, dir, updated)
		time.Sleep(400 * time.Millisecond)
	}
	if got := len(a.Config().Triggers); got != 2 {
		t.Fatalf("committed config has %d triggers", got)
	}
}

func TestHotReloadRejectsInvalidConfig(t *testing.T) {
	a, dir, body := startApp(t)
	defer stopApp(t, a)

	broken := strings.Replace(body, `"@every 1h"`, `"not a schedule"`, 1)
	writeConfig(t, dir, broken)
	time.Sleep(600 * time.Millisecond)

	if got := a.Config().Triggers[0].Schedule; got != "@every 1h" {
		t.Fatalf("invalid config was committed: schedule %q", got)
	}
	if snap := a.Triggers().Snapshot(); len(snap) != 1 || snap[0].Name != "tick" {
		t.Fatalf("triggers = %+v", snap)
	}
}

func TestAdminServesStatusAndFire(t *testing.T) {
	a, _, _ := startApp(t, adminSection)
	defer stopApp(t, a)

	eventually(t, "admin listener", func() bool { return a.AdminAddr() != "" })
	base := "http://" + a.AdminAddr()

	call := func(method, path string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, base+path, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer t0ken")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := call(http.MethodPost, "/triggers/tick/fire")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("fire = %d", resp.StatusCode)
	}
	eventually(t, "fired job to finish", func() bool { return a.Scheduler().Snapshot().Completed == 1 })

	resp = call(http.MethodGet, "/status")
	defer resp.Body.Close()
	var status struct {
		Scheduler struct {
			State     string `json:"state"`
			Completed uint64 `json:"completed"`
		} `json:"scheduler"`
		Triggers []struct {
			Name  string `json:"name"`
			Fired uint64 `json:"fired"`
		} `json:"triggers"`
		Loops []struct {
			Name string `json:"name"`
		} `json:"loops"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Scheduler.Completed != 1 || len(status.Triggers) != 1 || status.Triggers[0].Fired != 1 {
		t.Fatalf("status = %+v", status)
	}
	var loops []string
	for _, l := range status.Loops {
		loops = append(loops, l.Name)
	}
	if !strings.Contains(strings.Join(loops, ","), "admin.http") {
		t.Fatalf("loops = %v", loops)
	}

	noAuth, err := http.Get(base + "/status")
	if err != nil {
		t.Fatal(err)
	}
	noAuth.Body.Close()
	if noAuth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", noAuth.StatusCode)
	}
}

func TestNewRejectsInsecureAdminBind(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "admin:\n  enabled: true\n  addr: 0.0.0.0:7070\n")
	if _, err := New(p); err == nil || !strings.Contains(err.Error(), "without a token") {
		t.Fatalf("New err = %v", err)
	}
}

func TestFailedJobSendsAlert(t *testing.T) {
	var sent atomic.Int32
	var lastText atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		if text, ok := params["text"].(string); ok {
			lastText.Store(text)
		}
		sent.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":99,"type":"private"}}}`))
	}))
	defer api.Close()

	notifySection := fmt.Sprintf(`notify:
  enabled: true
  telegram:
    token: "1:test"
    chat_id: 99
    api_url: %s
`, api.URL)
	a, dir, _ := startApp(t, notifySection)

	p := filepath.Join(dir, "spool", "fails.yaml")
	eventually(t, "spool dir", func() bool {
		_, err := os.Stat(filepath.Dir(p))
		return err == nil
	})
	if err := os.WriteFile(p+".tmp", []byte("command: [\"sh\", \"-c\", \"exit 3\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(p+".tmp", p); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alert", func() bool { return sent.Load() == 1 })
	stopApp(t, a)

	text, _ := lastText.Load().(string)
	if !strings.Contains(text, "job failed") || !strings.Contains(text, "exit 3") {
		t.Fatalf("alert text = %q", text)
	}
}
