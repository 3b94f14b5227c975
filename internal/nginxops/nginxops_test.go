package nginxops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSignalFileTestWritesCommandAndReadsResult(t *testing.T) {
	dir := t.TempDir()
	signalPath := filepath.Join(dir, "signal")
	testResultPath := filepath.Join(dir, "test-result")
	reloadResultPath := filepath.Join(dir, "reload-result")

	sf := NewSignalFile(signalPath, testResultPath, reloadResultPath, 10*time.Millisecond, time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := os.Stat(signalPath); err == nil {
				_ = os.WriteFile(testResultPath, []byte("OK\nconfiguration file test is successful"), 0o644)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := sf.Test(context.Background())
	<-done
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK result, got %+v", res)
	}

	signalContent, err := os.ReadFile(signalPath)
	if err != nil {
		t.Fatalf("read signal file: %v", err)
	}
	if string(signalContent) != "test" {
		t.Fatalf("expected signal file to contain %q, got %q", "test", signalContent)
	}
}

func TestSignalFileTimesOutWithoutResult(t *testing.T) {
	dir := t.TempDir()
	sf := NewSignalFile(filepath.Join(dir, "signal"), filepath.Join(dir, "test-result"), filepath.Join(dir, "reload-result"), 5*time.Millisecond, 30*time.Millisecond)

	_, err := sf.Test(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error when no result file ever appears")
	}
}

func TestSignalFileReloadFailureResult(t *testing.T) {
	dir := t.TempDir()
	signalPath := filepath.Join(dir, "signal")
	reloadResultPath := filepath.Join(dir, "reload-result")
	sf := NewSignalFile(signalPath, filepath.Join(dir, "test-result"), reloadResultPath, 5*time.Millisecond, time.Second)

	go func() {
		for i := 0; i < 50; i++ {
			if _, err := os.Stat(signalPath); err == nil {
				_ = os.WriteFile(reloadResultPath, []byte("FAIL\nnginx: [emerg] bad directive"), 0o644)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	res, err := sf.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if res.OK {
		t.Fatalf("expected FAIL result to report OK=false")
	}
}

func TestDirectTestNonexistentBinaryFails(t *testing.T) {
	d := NewDirect("/nonexistent/nginx/binary/does/not/exist", time.Second)
	res, err := d.Test(context.Background())
	if err != nil {
		t.Fatalf("Test should not return a Go error for a missing binary, got %v", err)
	}
	if res.OK {
		t.Fatalf("expected OK=false for missing binary")
	}
}
