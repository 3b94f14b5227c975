// Command nginxwatch is the external, privileged signal-file watcher
// spec.md §6 describes for unprivileged NginxOps.SignalFile mode: it polls
// for an ASCII command written to the signal file, runs the corresponding
// nginx operation with root privileges, and writes the result back so the
// unprivileged control plane process can observe it (spec.md §4.2).
//
// The control plane process itself never needs privileges to reload nginx
// in this mode; only this small watcher does.
package main

import (
	"bytes"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	signalPath := getEnv("NGINX_SIGNAL_FILE", "/var/lib/controlplane/.nginx-reload-signal")
	testResultPath := getEnv("NGINX_TEST_RESULT_FILE", "/var/lib/controlplane/.nginx-test-result")
	reloadResultPath := getEnv("NGINX_RELOAD_RESULT_FILE", "/var/lib/controlplane/.nginx-reload-result")
	binary := getEnv("NGINX_BINARY", "nginx")
	pollEvery := 100 * time.Millisecond

	log.Printf("nginxwatch: watching %s (binary=%s)", signalPath, binary)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-quit
		log.Println("nginxwatch: shutting down")
		close(stop)
	}()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			processSignal(signalPath, testResultPath, reloadResultPath, binary)
		}
	}
}

// processSignal consumes one pending "test" or "reload" command, if
// present, and writes the matching result file. Consuming (removing) the
// signal file before acting keeps a slow or crashed nginx invocation from
// being re-triggered by the next poll tick.
func processSignal(signalPath, testResultPath, reloadResultPath, binary string) {
	data, err := os.ReadFile(signalPath)
	if err != nil {
		return
	}
	_ = os.Remove(signalPath)

	command := strings.TrimSpace(string(data))
	switch command {
	case "test":
		runAndReport(binary, []string{"-t"}, testResultPath)
	case "reload":
		runAndReport(binary, []string{"-s", "reload"}, reloadResultPath)
	default:
		log.Printf("nginxwatch: ignoring unrecognized signal %q", command)
	}
}

func runAndReport(binary string, args []string, resultPath string) {
	cmd := exec.Command(binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	status := "OK"
	if err := cmd.Run(); err != nil {
		status = "FAIL"
		log.Printf("nginxwatch: %s %v failed: %v", binary, args, err)
	}

	content := status + "\n" + out.String()
	if err := writeAtomic(resultPath, content); err != nil {
		log.Printf("nginxwatch: write result %s: %v", resultPath, err)
	}
}

// writeAtomic writes content to path via write-to-temp + rename within the
// same directory (spec.md §5 filesystem write discipline).
func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
