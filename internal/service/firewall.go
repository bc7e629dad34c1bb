package service

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// fragments seen in automated probing of hosts that do not even run the
// software being probed
var suspiciousPaths = []string{
	".php",
	".env",
	".git/config",
	"wp-admin",
	"wp-login",
	"phpmyadmin",
	"cgi-bin",
	"/etc/passwd",
}

var scannerAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"dirbuster",
	"gobuster",
	"wpscan",
}

// Suspicious classifies a request by its path and user agent. A hit is
// worth a strike, not an immediate blacklist.
func Suspicious(path, userAgent string) bool {
	p := strings.ToLower(path)
	for _, s := range suspiciousPaths {
		if strings.Contains(p, s) {
			return true
		}
	}
	ua := strings.ToLower(userAgent)
	for _, s := range scannerAgents {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}

// Firewall keeps a sliding window of webhook failures per source IP and
// blacklists an IP that crosses the threshold inside the window. Allow is
// checked before any request body is read.
type Firewall struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu      sync.Mutex
	strikes map[string][]time.Time
	blocked map[string]time.Time

	now func() time.Time
}

func NewFirewall(threshold int, window, cooldown time.Duration) *Firewall {
	return &Firewall{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		strikes:   make(map[string][]time.Time),
		blocked:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// Allow reports whether requests from ip should be served. A blacklist
// entry expires after the cooldown.
func (f *Firewall) Allow(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	until, ok := f.blocked[ip]
	if !ok {
		return true
	}
	if f.now().After(until) {
		delete(f.blocked, ip)
		return true
	}
	return false
}

// Strike records one rejected request from ip. Crossing the threshold
// within the window blacklists the IP for the cooldown.
func (f *Firewall) Strike(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-f.window)

	kept := f.strikes[ip][:0]
	for _, t := range f.strikes[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	f.strikes[ip] = kept

	if len(kept) >= f.threshold {
		f.blocked[ip] = now.Add(f.cooldown)
		delete(f.strikes, ip)
		log.Printf("blacklisted %s for %s after %d rejected requests\n",
			ip, f.cooldown, len(kept))
	}
}

// Sweep drops expired blacklist entries and stale strike windows so the
// maps do not grow with one-off scanners.
func (f *Firewall) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for ip, until := range f.blocked {
		if now.After(until) {
			delete(f.blocked, ip)
		}
	}
	cutoff := now.Add(-f.window)
	for ip, times := range f.strikes {
		kept := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(f.strikes, ip)
		} else {
			f.strikes[ip] = kept
		}
	}
}

// StartSweeper schedules the periodic sweep on the shared scheduler.
func (f *Firewall) StartSweeper(scheduler gocron.Scheduler, interval time.Duration) error {
	_, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(f.Sweep),
	)
	return err
}
