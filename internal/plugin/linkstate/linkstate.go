// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package linkstate turns netlink link updates for one interface into
// connection availability callbacks.
package linkstate

import (
	"context"
	"sync"

	"github.com/vishvananda/netlink"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/network"
)

// Watcher follows the running state of one interface. Callbacks fire only
// on transitions; the first update that shows the link running reports
// availability.
type Watcher struct {
	ifname string
	cb     connection.Callbacks
	logger *logging.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Watch subscribes to link updates. An empty ifname means the connection
// is always available; OnAvailable is then called once, asynchronously.
func Watch(nl network.Netlinker, ifname string, cb connection.Callbacks, logger *logging.Logger) (*Watcher, error) {
	ctx, stop := context.WithCancel(context.Background())
	w := &Watcher{ifname: ifname, cb: cb, logger: logger, stop: stop}

	if ifname == "" {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			cb.OnAvailable()
		}()
		return w, nil
	}

	updates := make(chan netlink.LinkUpdate, 16)
	if err := nl.LinkSubscribe(ctx, updates); err != nil {
		stop()
		return nil, errors.Wrap(err, errors.KindKernel, "failed to subscribe to link updates")
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				w.onLink(u)
			}
		}
	}()
	return w, nil
}

func (w *Watcher) onLink(u netlink.LinkUpdate) {
	if u.Link == nil || u.Link.Attrs().Name != w.ifname {
		return
	}
	running := network.LinkRunning(u.Link)

	w.mu.Lock()
	changed := running != w.running
	w.running = running
	w.mu.Unlock()
	if !changed {
		return
	}

	if running {
		w.logger.Info("Link is running", "interface", w.ifname)
		w.cb.OnAvailable()
	} else {
		w.logger.Info("Link is down", "interface", w.ifname)
		w.cb.OnUnavailable("link " + w.ifname + " is down")
	}
}

// Running reports the last observed state. It is always true for a
// watcher without an interface.
func (w *Watcher) Running() bool {
	if w.ifname == "" {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop ends the subscription and waits for pending callbacks.
func (w *Watcher) Stop() {
	w.stop()
	w.wg.Wait()
}
