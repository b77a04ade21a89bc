package runner

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// readRSSKB returns the resident set size of a process in KB.
// Reads /proc/<pid>/status (Linux); returns 0, false where that is
// unavailable, which disables the guard for the process.
var readRSSKB = readRSSKBImpl

func readRSSKBImpl(pid int) (int64, bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}

// memGuard samples a process's memory on an interval and invokes
// onBreach once if it exceeds limitMB. Runs until stopCh closes.
func memGuard(pid int, limitMB int, interval time.Duration, stopCh <-chan struct{}, onBreach func(rssMB int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			kb, ok := readRSSKB(pid)
			if !ok {
				continue
			}
			if mb := kb / 1024; mb > int64(limitMB) {
				onBreach(mb)
				return
			}
		}
	}
}
