package engine

import (
	"errors"
	"fmt"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/sequence"
)

// UpdateProxies copies the selected item of every synchronized sequence of
// b into its proxy, creating proxies as needed. It does nothing while b is
// recording or already being updated. Failures for one sequence are logged
// and joined into the returned error; the other sequences are still
// updated.
func (e *Engine) UpdateProxies(b *browser.Browser) error {
	if b == nil {
		return fmt.Errorf("update proxies: %w", ErrInvalidReference)
	}
	if e.inProgress(b.ID()) {
		e.stats.SuppressedPushes++
		e.logger.Debug("push suppressed", "browser", b.ID())
		return nil
	}
	if b.RecordingActive() {
		return nil
	}
	if b.Master() == nil {
		for _, id := range b.RemoveAllProxies() {
			e.scene.RemoveNode(id)
		}
		return nil
	}

	release, _ := e.pushing.acquire(b.ID())
	defer release()
	e.stats.Pushes++

	// Modified notifications are held until every proxy is updated and
	// flushed while the push guard is still held.
	var touched []node.Node
	defer func() {
		for _, n := range touched {
			n.EndModify()
		}
	}()

	selected := b.SelectedItem()
	indexValue := b.SelectedIndexValue()

	var errs []error
	for _, seq := range b.Synchronized() {
		st := b.Settings(seq.ID())
		if st == nil || !st.Playback {
			continue
		}

		src, err := e.resolveSource(b, seq, *st, indexValue, selected)
		if err != nil {
			e.logger.Warn("no source item", "browser", b.ID(), "sequence", seq.ID(), "index", indexValue, "error", err)
			errs = append(errs, err)
			continue
		}
		if src == nil {
			if st.MissingItemMode == browser.DisplayHidden {
				if proxy := e.proxyNode(b, seq); proxy != nil {
					proxy.SetVisible(false)
				}
			}
			continue
		}

		proxy, created, err := e.ensureProxy(b, seq, src)
		if err != nil {
			e.logger.Error("proxy creation failed", "browser", b.ID(), "sequence", seq.ID(), "error", err)
			errs = append(errs, err)
			continue
		}

		proxy.StartModify()
		touched = append(touched, proxy)

		if err := proxy.CopyContent(src, !st.SaveChanges); err != nil {
			errs = append(errs, fmt.Errorf("sequence %s: %w", seq.ID(), err))
			continue
		}
		if st.MissingItemMode == browser.DisplayHidden && !proxy.Visible() {
			proxy.SetVisible(true)
		}
		if st.OverwriteProxyName && !proxy.Singleton() {
			proxy.SetAttribute(browser.BaseNameAttribute, seq.Name())
			proxy.SetName(b.ProxyName(seq, indexValue))
		}
		if created {
			if err := e.createCompanions(proxy); err != nil {
				e.logger.Error("proxy companion creation failed", "browser", b.ID(), "proxy", proxy.ID(), "error", err)
				errs = append(errs, err)
			}
		}
	}

	e.logger.Debug("proxies updated", "browser", b.ID(), "index", indexValue, "proxies", len(touched))
	return errors.Join(errs...)
}

// resolveSource finds the item to show for seq at indexValue, creating
// items as the missing item mode requires when changes are saved. A nil
// node with a nil error means the proxy is left untouched.
func (e *Engine) resolveSource(b *browser.Browser, seq *sequence.Sequence, st browser.SyncSettings, indexValue string, selected int) (node.Node, error) {
	mode := st.MissingItemMode

	if !st.SaveChanges {
		if mode == browser.CreateFromPrevious {
			return seq.At(indexValue, false), nil
		}
		if src := seq.At(indexValue, true); src != nil {
			return src, nil
		}
		if mode == browser.Ignore || mode == browser.DisplayHidden {
			return nil, nil
		}
		if first := seq.NthData(0); first != nil {
			return first.NewInstance(), nil
		}
		return nil, nil
	}

	if seq.Len() > 0 {
		if src := seq.At(indexValue, true); src != nil {
			return src, nil
		}
		switch mode {
		case browser.CreateFromPrevious:
			prev := seq.At(indexValue, false)
			if prev == nil {
				return nil, fmt.Errorf("sequence %s has no item at or before %s: %w", seq.ID(), indexValue, ErrUnresolvableSnapshot)
			}
			return seq.Set(prev, indexValue)
		case browser.CreateFromDefault:
			return seq.Set(seq.NthData(0).NewInstance(), indexValue)
		case browser.SetToDefault:
			return seq.NthData(0).NewInstance(), nil
		default:
			return nil, nil
		}
	}

	// An empty sequence is seeded from its proxy, but only for a real
	// selection: seeding at "0" would make the last item impossible to delete.
	proxy := e.proxyNode(b, seq)
	if proxy == nil || selected < 0 {
		return nil, nil
	}
	switch mode {
	case browser.CreateFromPrevious:
		return seq.Set(proxy, indexValue)
	case browser.CreateFromDefault:
		return seq.Set(proxy.NewInstance(), indexValue)
	case browser.SetToDefault:
		return proxy.NewInstance(), nil
	default:
		return nil, nil
	}
}

// ensureProxy returns the proxy of seq, replacing it when its type differs
// from src. created reports whether a new node was added to the scene.
func (e *Engine) ensureProxy(b *browser.Browser, seq *sequence.Sequence, src node.Node) (proxy node.Node, created bool, err error) {
	if existing := e.proxyNode(b, seq); existing != nil {
		if existing.TypeTag() == src.TypeTag() {
			return existing, false, nil
		}
		e.logger.Debug("replacing proxy of different type",
			"browser", b.ID(), "sequence", seq.ID(), "have", existing.TypeTag(), "want", src.TypeTag())
		b.SetProxyID(seq.ID(), "")
		e.scene.RemoveNode(existing.ID())
	}

	fresh := src.NewInstance()
	fresh.SetName(seq.Name())
	added, err := e.scene.AddNode(fresh)
	if err != nil {
		return nil, false, fmt.Errorf("proxy for %s: %w: %v", seq.ID(), ErrRecreateFailed, err)
	}
	b.SetProxyID(seq.ID(), added.ID())
	return added, true, nil
}
