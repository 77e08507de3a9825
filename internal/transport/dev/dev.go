// Package dev provides an in-process loopback transport driver.
//
// It imitates the observable behavior of a real protocol client — pairing
// challenge on first connect, open event, per-recipient sends — without
// any network I/O. Intended for local runs and integration testing of the
// session/dispatch pipeline; register it by importing this package.
package dev

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"groupcast/internal/transport"
)

func init() {
	transport.Register("dev", func(cfg transport.Config) (transport.Factory, error) {
		dir := cfg.DataDir
		if strings.TrimSpace(dir) == "" {
			dir = "./data/sessions"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return &factory{dir: dir}, nil
	})
}

type factory struct {
	dir string
}

func (f *factory) New(tenantID string) (transport.Transport, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("dev transport: empty tenant id")
	}
	return &client{
		tenantID: tenantID,
		authPath: filepath.Join(f.dir, tenantID, "creds.json"),
		listPath: filepath.Join(f.dir, tenantID, "recipients.json"),
	}, nil
}

func (f *factory) ClearAuth(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(f.dir, tenantID))
}

type client struct {
	tenantID string
	authPath string
	listPath string

	mu   sync.Mutex
	open bool
}

func (c *client) Connect(ctx context.Context, ev transport.Events) error {
	paired := fileExists(c.authPath)

	go func() {
		if !paired {
			if ev.PairingChallenge != nil {
				ev.PairingChallenge("dev-pairing:" + c.tenantID)
			}
			// Pairing is auto-accepted after a short beat.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			if err := c.storeAuth(); err != nil {
				if ev.Closed != nil {
					ev.Closed(transport.CloseReason{Recoverable: false, Err: err})
				}
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		if ev.Opened != nil {
			ev.Opened()
		}
	}()
	return nil
}

func (c *client) Send(ctx context.Context, to transport.RecipientID, p transport.Payload) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Recipients carrying a "#fail" marker simulate delivery failures.
	if strings.Contains(string(to), "#fail") {
		return fmt.Errorf("%w: recipient %s rejected", transport.ErrSendFailed, to)
	}
	return nil
}

func (c *client) ListRecipients(ctx context.Context) ([]transport.RecipientInfo, error) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return nil, transport.ErrNotConnected
	}
	b, err := os.ReadFile(c.listPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []transport.RecipientInfo
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("dev transport: bad recipients file: %w", err)
	}
	return out, nil
}

func (c *client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *client) storeAuth() error {
	if err := os.MkdirAll(filepath.Dir(c.authPath), 0o755); err != nil {
		return err
	}
	blob, _ := json.Marshal(map[string]string{
		"tenant":    c.tenantID,
		"paired_at": time.Now().Format(time.RFC3339),
	})
	return os.WriteFile(c.authPath, blob, 0o600)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
